package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/courier/internal/api"
	"github.com/foxzi/courier/internal/audience"
	"github.com/foxzi/courier/internal/automation"
	"github.com/foxzi/courier/internal/campaign"
	"github.com/foxzi/courier/internal/channel"
	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/dkim"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/notify"
	"github.com/foxzi/courier/internal/pending"
	"github.com/foxzi/courier/internal/personalize"
	"github.com/foxzi/courier/internal/poller"
	"github.com/foxzi/courier/internal/ratelimit"
	"github.com/foxzi/courier/internal/records"
	"github.com/foxzi/courier/internal/report"
	"github.com/foxzi/courier/internal/series"
	"github.com/foxzi/courier/internal/store"
)

// Version is reported to Sentry as the release
var Version = "dev"

// App is the main application
type App struct {
	config        *config.Config
	store         *store.BoltStorage
	records       *records.DB
	limiter       *ratelimit.Limiter
	notifier      notify.Notifier
	pending       pending.Store
	processor     *campaign.Processor
	runner        *poller.Runner
	reaper        *poller.Reaper
	collector     *metrics.Collector
	metricsServer *metrics.Server
	apiServer     *api.Server
	logger        *slog.Logger
	logFile       io.Closer

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger, logFile := setupLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger, logFile: logFile}
	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.config
	logger := a.logger

	sentryOn, err := report.Init(report.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     Version,
		SampleRate:  cfg.Sentry.SampleRate,
	})
	if err != nil {
		return err
	}
	if sentryOn {
		logger.Info("error reporting enabled", "environment", cfg.Sentry.Environment)
	}

	a.store, err = store.NewBoltStorage(cfg.Engine.Path)
	if err != nil {
		return fmt.Errorf("failed to open engine store: %w", err)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.collector = metrics.NewCollector(m, a.store, cfg.Engine.Path, cfg.Metrics.FlushInterval)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	a.records, err = records.Open(cfg.Records.Driver, cfg.Records.DSN)
	if err != nil {
		return fmt.Errorf("failed to open records database: %w", err)
	}
	if cfg.Records.AutoMigrate {
		if err := a.records.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate records database: %w", err)
		}
	}
	contacts := records.NewRepository(a.records)

	registry, err := a.buildRegistry()
	if err != nil {
		return err
	}

	personalizer := buildPersonalizer(cfg.Personalize)
	if err := a.buildNotifier(); err != nil {
		return err
	}

	a.processor = campaign.NewProcessor(a.store, audience.NewResolver(contacts), registry, personalizer, a.notifier,
		campaign.Config{Workers: cfg.Campaign.Workers, SendTimeout: cfg.Campaign.SendTimeout},
		logger.With("component", "campaign"))
	executor := automation.NewExecutor(a.store, contacts, registry, personalizer, a.notifier,
		cfg.Campaign.SendTimeout, logger.With("component", "automation"))
	engine := series.NewEngine(a.store, contacts, registry, personalizer, a.notifier, series.Config{
		MaxAttempts: cfg.Series.MaxAttempts,
		RetryDelay:  cfg.Series.RetryDelay,
		SendTimeout: cfg.Campaign.SendTimeout,
	}, logger.With("component", "series"))

	a.runner = poller.NewRunner(logger.With("component", "pollers"), a.families(executor, engine)...)
	a.reaper = poller.NewReaper(a.store, poller.ReaperConfig{
		ClaimTimeout: cfg.Engine.ClaimTimeout,
		Interval:     cfg.Engine.ReaperInterval,
	}, logger.With("component", "reaper"))

	switch cfg.Pending.Backend {
	case "redis":
		a.pending, err = pending.NewRedisStore(cfg.Pending.RedisURL, cfg.Pending.Prefix, cfg.Pending.TTL)
	default:
		a.pending, err = pending.NewBoltStore(a.store.DB(), cfg.Pending.TTL)
	}
	if err != nil {
		return fmt.Errorf("failed to create pending action store: %w", err)
	}

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(api.Deps{
			Store:      a.store,
			Runner:     a.processor,
			Enroller:   engine,
			Pending:    a.pending,
			RunContext: a.runCtx,
		}, &cfg.API, logger)
	}
	return nil
}

// buildRegistry registers an adapter for every configured channel
func (a *App) buildRegistry() (*channel.Registry, error) {
	cfg := a.config
	logger := a.logger.With("component", "channel")
	var adapters []channel.Adapter

	if cfg.Channels.Sandbox {
		for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelChatDirect, models.ChannelVoice, models.ChannelChatBroadcast} {
			adapters = append(adapters, channel.NewSandboxAdapter(ch, logger))
		}
		logger.Warn("sandbox mode enabled, messages are logged and not delivered")
	} else {
		if email := cfg.Channels.Email; email.Host != "" {
			var signer channel.MessageSigner
			if email.DKIM.Enabled {
				s, err := dkim.NewSignerFromFile(email.DKIM.KeyFile, email.DKIM.Domain, email.DKIM.Selector)
				if err != nil {
					return nil, fmt.Errorf("failed to load DKIM key: %w", err)
				}
				signer = s
				logger.Info("DKIM signing enabled", "domain", email.DKIM.Domain, "selector", email.DKIM.Selector)
			}
			adapters = append(adapters, channel.NewEmailAdapter(channel.EmailConfig{
				Host:               email.Host,
				Port:               email.Port,
				Username:           email.Username,
				Password:           email.Password,
				From:               email.From,
				FromName:           email.FromName,
				TLSMode:            email.TLSMode,
				InsecureSkipVerify: email.InsecureSkipVerify,
				Hostname:           email.Hostname,
			}, signer, logger))
		}

		if tw := cfg.Channels.Twilio; tw.AccountSID != "" {
			client := channel.NewTwilioClient(channel.TwilioConfig{
				AccountSID:   tw.AccountSID,
				AuthToken:    tw.AuthToken,
				From:         tw.From,
				BaseURL:      tw.BaseURL,
				AssistantURL: tw.AssistantURL,
				Timeout:      tw.Timeout,
			}, logger)
			adapters = append(adapters, channel.NewSMSAdapter(client), channel.NewVoiceAdapter(client))
		}

		if tg := cfg.Channels.Telegram; tg.Token != "" {
			bot, err := channel.NewTelegramBot(channel.TelegramConfig{Token: tg.Token, APIURL: tg.APIURL, Timeout: tg.Timeout})
			if err != nil {
				return nil, fmt.Errorf("failed to create telegram bot: %w", err)
			}
			adapters = append(adapters,
				channel.NewTelegramAdapter(models.ChannelChatDirect, bot, logger),
				channel.NewTelegramAdapter(models.ChannelChatBroadcast, bot, logger))
		}
	}

	if cfg.RateLimit.Enabled {
		limits := make(map[models.Channel]ratelimit.LimitConfig, len(cfg.RateLimit.Channels))
		for ch, v := range cfg.RateLimit.Channels {
			limits[models.Channel(ch)] = ratelimit.LimitConfig{
				PerSecond:      v.PerSecond,
				Burst:          v.Burst,
				MessagesPerDay: v.MessagesPerDay,
			}
		}
		l, err := ratelimit.NewLimiter(a.store.DB(), ratelimit.Config{
			Channels:      limits,
			FlushInterval: cfg.RateLimit.FlushInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.limiter = l
		logger.Info("rate limiting enabled", "channels", len(limits))
	}

	registry := channel.NewRegistry(logger)
	for _, ad := range adapters {
		if a.limiter != nil {
			ad = ratelimit.Wrap(ad, a.limiter)
		}
		registry.Register(ad)
	}
	logger.Info("channels configured", "channels", registry.Channels())
	return registry, nil
}

func buildPersonalizer(cfg config.PersonalizeConfig) personalize.Personalizer {
	switch cfg.Mode {
	case "http":
		return personalize.NewHTTPPersonalizer(cfg.Endpoint, cfg.APIKey, cfg.Timeout)
	case "none":
		return nil
	default:
		return personalize.NewTemplatePersonalizer()
	}
}

func (a *App) buildNotifier() error {
	logger := a.logger.With("component", "notify")
	switch a.config.Notify.Backend {
	case "amqp":
		n, err := notify.NewAMQPNotifier(notify.AMQPConfig{
			URL:        a.config.Notify.AMQP.URL,
			Exchange:   a.config.Notify.AMQP.Exchange,
			RoutingKey: a.config.Notify.AMQP.RoutingKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect notification broker: %w", err)
		}
		a.notifier = n
	case "none":
		a.notifier = notify.Nop{}
	default:
		a.notifier = notify.NewLogNotifier(logger)
	}
	return nil
}

// families returns the enabled poller families
func (a *App) families(executor *automation.Executor, engine *series.Engine) []poller.Family {
	p := a.config.Pollers
	settings := func(pc config.PollerConfig) poller.Settings {
		return poller.Settings{Interval: pc.Interval, Concurrency: pc.Concurrency}
	}
	logger := a.logger.With("component", "pollers")

	var out []poller.Family
	if !p.Campaigns.Disabled {
		out = append(out, poller.NewCampaignPoller(a.store, a.processor, false, settings(p.Campaigns), logger))
	}
	if !p.Broadcasts.Disabled {
		out = append(out, poller.NewCampaignPoller(a.store, a.processor, true, settings(p.Broadcasts), logger))
	}
	if !p.Templates.Disabled {
		out = append(out, poller.NewTemplatePoller(a.store, a.processor, settings(p.Templates), logger))
	}
	if !p.Automations.Disabled {
		out = append(out, poller.NewAutomationPoller(a.store, executor, settings(p.Automations), logger))
	}
	if !p.Series.Disabled {
		out = append(out, poller.NewSeriesPoller(a.store, engine, settings(p.Series), logger))
	}
	return out
}

type pendingSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// sweepPending drops expired pending actions on the reaper schedule
func (a *App) sweepPending(sw pendingSweeper) {
	interval := a.config.Engine.ReaperInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.runCtx.Done():
			return
		case <-ticker.C:
			n, err := sw.Sweep(a.runCtx)
			if err != nil {
				a.logger.Error("pending action sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("expired pending actions removed", "count", n)
			}
		}
	}
}

// Processor returns the campaign processor
func (a *App) Processor() *campaign.Processor {
	return a.processor
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting courier",
		"version", Version,
		"engine", a.config.Engine.Path,
		"records", a.config.Records.Driver,
		"api", a.apiServer != nil,
		"metrics", a.metricsServer != nil,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.runner.Start(a.runCtx); err != nil {
		return fmt.Errorf("failed to start pollers: %w", err)
	}
	a.reaper.Start(a.runCtx)
	if a.collector != nil {
		a.collector.Start(a.runCtx)
	}
	if sw, ok := a.pending.(pendingSweeper); ok {
		go a.sweepPending(sw)
	}

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop taking new work first. In-flight runs are interrupted and their
	// claims are released by the reaper after restart.
	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	a.runCancel()
	a.runner.Stop()
	a.reaper.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	a.logger.Info("shutdown complete")
	a.Close()
	return nil
}

// Close releases stores and connections. It is safe on a partially built app.
func (a *App) Close() {
	a.runCancel()

	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}
	if c, ok := a.notifier.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Error("notifier close error", "error", err)
		}
	}
	if a.pending != nil {
		if err := a.pending.Close(); err != nil {
			a.logger.Error("pending store close error", "error", err)
		}
	}
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			a.logger.Error("records close error", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
	report.Flush(2 * time.Second)
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// setupLogger creates a logger based on configuration. When a file is set,
// output goes to stdout and to the rotated file.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer
}
