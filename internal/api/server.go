package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/ipfilter"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/pending"
	"github.com/foxzi/courier/internal/store"
)

// Store is the engine state used by the API
type Store interface {
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	RescheduleCampaign(ctx context.Context, c *models.Campaign, expected *time.Time) error
	DeleteCampaign(ctx context.Context, id string) error
	ListCampaigns(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, error)
	ClaimCampaign(ctx context.Context, id string, now time.Time) (*models.Campaign, error)
	SetTemplateStatus(ctx context.Context, id string, status models.CampaignStatus) error
	CampaignStats(ctx context.Context) (*models.CampaignStats, error)
	ListLedger(ctx context.Context, campaignID string) ([]*models.LedgerEntry, error)

	CreateAutomation(ctx context.Context, a *models.LeadAutomation) error
	GetAutomation(ctx context.Context, id string) (*models.LeadAutomation, error)
	UpdateAutomation(ctx context.Context, a *models.LeadAutomation) error
	DeleteAutomation(ctx context.Context, id string) error
	ListAutomations(ctx context.Context, filter store.AutomationFilter) ([]*models.LeadAutomation, error)

	CreateSeries(ctx context.Context, sr *models.Series) error
	GetSeries(ctx context.Context, id string) (*models.Series, error)
	UpdateSeries(ctx context.Context, sr *models.Series) error
	UpsertStep(ctx context.Context, seriesID string, step models.SeriesStep) (*models.Series, error)
	DeleteStep(ctx context.Context, seriesID string, order int) (*models.Series, error)
	DeleteSeries(ctx context.Context, id string) error
	ListSeries(ctx context.Context) ([]*models.Series, error)

	GetEnrollment(ctx context.Context, id string) (*models.SeriesEnrollment, error)
	UpdateEnrollment(ctx context.Context, id string, fn func(*models.SeriesEnrollment) error) (*models.SeriesEnrollment, error)
	DeleteEnrollment(ctx context.Context, id string) error
	ListEnrollments(ctx context.Context, filter store.EnrollmentFilter) ([]*models.SeriesEnrollment, error)
}

// CampaignRunner runs campaigns outside the pollers
type CampaignRunner interface {
	Trigger(ctx context.Context, c *models.Campaign) (*models.Campaign, error)
	Process(ctx context.Context, id string) error
}

// Enroller starts recipients on a series
type Enroller interface {
	Enroll(ctx context.Context, seriesID string, recipient models.RecipientRef) (*models.SeriesEnrollment, error)
}

// Deps are the services behind the API
type Deps struct {
	Store    Store
	Runner   CampaignRunner
	Enroller Enroller
	Pending  pending.Store
	// RunContext bounds campaign runs started by the API. Cancelling it
	// interrupts them and leaves their claims to the stale claim reaper.
	RunContext context.Context
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	ipFilter   *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
	runs       sync.WaitGroup
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if deps.RunContext == nil {
		deps.RunContext = context.Background()
	}
	logger = logger.With("component", "api")
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		ipFilter:  ipfilter.New(cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.ipFilter.Enabled() {
			r.Use(s.ipFilter.Middleware)
		}
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Post("/trigger", s.handleTriggerCampaign)
			r.Get("/{id}", s.handleGetCampaign)
			r.Put("/{id}", s.handleUpdateCampaign)
			r.Delete("/{id}", s.handleDeleteCampaign)
			r.Get("/{id}/ledger", s.handleCampaignLedger)
			r.Get("/{id}/children", s.handleCampaignChildren)
			r.Post("/{id}/activate", s.handleSetTemplateStatus(models.CampaignPending))
			r.Post("/{id}/deactivate", s.handleSetTemplateStatus(models.CampaignInactive))
		})

		r.Route("/automations", func(r chi.Router) {
			r.Get("/", s.handleListAutomations)
			r.Post("/", s.handleCreateAutomation)
			r.Get("/{id}", s.handleGetAutomation)
			r.Put("/{id}", s.handleUpdateAutomation)
			r.Delete("/{id}", s.handleDeleteAutomation)
		})

		r.Route("/series", func(r chi.Router) {
			r.Get("/", s.handleListSeries)
			r.Post("/", s.handleCreateSeries)
			r.Get("/{id}", s.handleGetSeries)
			r.Put("/{id}", s.handleUpdateSeries)
			r.Delete("/{id}", s.handleDeleteSeries)
			r.Put("/{id}/steps/{order}", s.handleUpsertStep)
			r.Delete("/{id}/steps/{order}", s.handleDeleteStep)
			r.Get("/{id}/enrollments", s.handleListEnrollments)
			r.Post("/{id}/enrollments", s.handleEnroll)
		})

		r.Get("/enrollments/{id}", s.handleGetEnrollment)
		r.Delete("/enrollments/{id}", s.handleDeleteEnrollment)
		r.Post("/enrollments/{id}/cancel", s.handleCancelEnrollment)

		r.Route("/pending", func(r chi.Router) {
			r.Post("/", s.handleStagePending)
			r.Post("/confirm", s.handleConfirmPending)
			r.Delete("/", s.handleDiscardPending)
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for campaign runs started by
// the API to return. Runs return promptly once RunContext is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("campaign runs still active at shutdown")
	}
	return err
}

// goRun starts fn on the run context and tracks it for Shutdown
func (s *Server) goRun(fn func(ctx context.Context)) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		fn(s.deps.RunContext)
	}()
}
