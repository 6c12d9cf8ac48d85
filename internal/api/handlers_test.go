package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/pending"
	"github.com/foxzi/courier/internal/series"
	"github.com/foxzi/courier/internal/store"
)

const testKey = "test-api-key"

// mockRunner records campaigns started through the API
type mockRunner struct {
	mu        sync.Mutex
	triggered []*models.Campaign
	processed []string
}

func (m *mockRunner) Trigger(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered = append(m.triggered, c)
	return c, nil
}

func (m *mockRunner) Process(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, id)
	return nil
}

type testEnv struct {
	server *Server
	store  *store.BoltStorage
	runner *mockRunner
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	st, err := store.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pend, err := pending.NewBoltStore(st.DB(), time.Minute)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &mockRunner{}
	srv := NewServer(Deps{
		Store:    st,
		Runner:   runner,
		Enroller: series.NewEngine(st, nil, nil, nil, nil, series.Config{}, logger),
		Pending:  pend,
	}, &config.APIConfig{APIKey: apiKey}, logger)

	return &testEnv{server: srv, store: st, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatalf("json.Marshal() error = %v", err)
			}
			r = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func emailCampaign() map[string]any {
	return map[string]any{
		"name":     "spring promo",
		"channel":  "email",
		"subject":  "Hello {{first_name}}",
		"content":  "Our spring offers",
		"audience": map[string]any{"kind": "leads"},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testKey)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody[HealthResponse](t, rec); got.Status != "ok" {
		t.Errorf("Status = %q, want ok", got.Status)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}

	tests := []struct {
		name       string
		configured string
		header     string
		value      string
		wantStatus int
	}{
		{"no credentials", testKey, "", "", http.StatusUnauthorized},
		{"wrong key", testKey, "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer key", testKey, "Authorization", "Bearer " + testKey, http.StatusOK},
		{"x-api-key header", testKey, "X-API-Key", testKey, http.StatusOK},
		{"bcrypt hash", string(hash), "X-API-Key", testKey, http.StatusOK},
		{"bcrypt hash wrong key", string(hash), "X-API-Key", "nope", http.StatusUnauthorized},
		{"no key configured", "", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.configured)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestCampaignCRUD(t *testing.T) {
	env := newTestEnv(t, testKey)

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns", emailCampaign())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[models.Campaign](t, rec)
	if created.ID == "" || created.Status != models.CampaignPending {
		t.Fatalf("created = %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/campaigns/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	update := emailCampaign()
	update["name"] = "summer promo"
	rec = env.do(t, http.MethodPut, "/api/v1/campaigns/"+created.ID, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[models.Campaign](t, rec); got.Name != "summer promo" {
		t.Errorf("updated Name = %q, want summer promo", got.Name)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/campaigns/"+created.ID+"/ledger", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Errorf("ledger = %d %q, want empty list", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/campaigns?status=pending", nil)
	if list := decodeBody[[]models.Campaign](t, rec); len(list) != 1 {
		t.Errorf("list = %d campaigns, want 1", len(list))
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/campaigns/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/campaigns/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv(t, testKey)

	with := func(key string, value any) map[string]any {
		c := emailCampaign()
		c[key] = value
		return c
	}

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{"},
		{"missing name", with("name", "")},
		{"missing content", with("content", "")},
		{"unknown channel", with("channel", "fax")},
		{"group without id", with("audience", map[string]any{"kind": "group"})},
		{"unknown audience", with("audience", map[string]any{"kind": "everyone"})},
		{"media not url", with("media", []string{"not a url"})},
		{"recurring without pattern", with("is_recurring", true)},
		{"unknown pattern", func() map[string]any {
			c := with("is_recurring", true)
			c["recurring_pattern"] = "yearly"
			return c
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/campaigns", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRecurringTemplate(t *testing.T) {
	env := newTestEnv(t, testKey)
	first := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)

	body := emailCampaign()
	body["is_recurring"] = true
	body["recurring_pattern"] = "monthly"
	body["recurring_interval"] = 1
	body["scheduled_at"] = first

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	tpl := decodeBody[models.Campaign](t, rec)
	if tpl.NextRunAt == nil || !tpl.NextRunAt.Equal(first) {
		t.Errorf("NextRunAt = %v, want %v", tpl.NextRunAt, first)
	}
	if tpl.RecurringAnchor == nil || !tpl.RecurringAnchor.Equal(first) {
		t.Errorf("RecurringAnchor = %v, want %v", tpl.RecurringAnchor, first)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+tpl.ID+"/deactivate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	got, _ := env.store.GetCampaign(context.Background(), tpl.ID)
	if got.Status != models.CampaignInactive {
		t.Errorf("Status = %v, want inactive", got.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+tpl.ID+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d", rec.Code)
	}
	got, _ = env.store.GetCampaign(context.Background(), tpl.ID)
	if got.Status != models.CampaignPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/campaigns", emailCampaign())
	oneShot := decodeBody[models.Campaign](t, rec)
	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+oneShot.ID+"/deactivate", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("deactivate one-shot status = %d, want 400", rec.Code)
	}
}

func TestUpdateTemplateSchedule(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	past := now.Add(-48 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)
	inThreeDays := now.Add(72 * time.Hour)
	nextMonth := now.AddDate(0, 1, 0)

	tests := []struct {
		name     string
		nextRun  *time.Time
		endDate  *time.Time
		edit     map[string]any
		wantNil  bool
		wantNext *time.Time
	}{
		{
			name:    "content edit keeps a lapsed template lapsed",
			endDate: &past,
			edit:    map[string]any{"content": "edited", "recurring_end_date": past},
			wantNil: true,
		},
		{
			name:     "content edit keeps the next run",
			nextRun:  &tomorrow,
			edit:     map[string]any{"content": "edited"},
			wantNext: &tomorrow,
		},
		{
			name:     "future scheduled_at reschedules",
			nextRun:  &tomorrow,
			edit:     map[string]any{"scheduled_at": inThreeDays},
			wantNext: &inThreeDays,
		},
		{
			name:    "future end date revives a lapsed template",
			endDate: &past,
			edit:    map[string]any{"recurring_end_date": nextMonth},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testKey)
			ctx := context.Background()

			tpl := &models.Campaign{
				Name:      "weekly digest",
				Channel:   models.ChannelEmail,
				Content:   "Hello",
				Audience:  models.Audience{Kind: "leads"},
				NextRunAt: tt.nextRun,
				Recurrence: models.Recurrence{
					IsRecurring:       true,
					RecurringPattern:  "weekly",
					RecurringInterval: 1,
					RecurringEndDate:  tt.endDate,
					RecurringAnchor:   tt.nextRun,
				},
			}
			if err := env.store.CreateCampaign(ctx, tpl); err != nil {
				t.Fatalf("CreateCampaign() error = %v", err)
			}

			body := emailCampaign()
			body["is_recurring"] = true
			body["recurring_pattern"] = "weekly"
			body["recurring_interval"] = 1
			for k, v := range tt.edit {
				body[k] = v
			}
			rec := env.do(t, http.MethodPut, "/api/v1/campaigns/"+tpl.ID, body)
			if rec.Code != http.StatusOK {
				t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
			}

			got, _ := env.store.GetCampaign(ctx, tpl.ID)
			switch {
			case tt.wantNil:
				if got.NextRunAt != nil {
					t.Errorf("NextRunAt = %v, want nil", got.NextRunAt)
				}
				due, _ := env.store.DueTemplates(ctx, now.Add(time.Hour))
				if len(due) != 0 {
					t.Errorf("DueTemplates() = %d, want 0", len(due))
				}
			case tt.wantNext != nil:
				if got.NextRunAt == nil || !got.NextRunAt.Equal(*tt.wantNext) {
					t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, *tt.wantNext)
				}
			default:
				if got.NextRunAt == nil {
					t.Error("NextRunAt = nil, want a revived schedule")
				}
			}
		})
	}
}

func TestCreateTemplatePastEndDate(t *testing.T) {
	env := newTestEnv(t, testKey)

	body := emailCampaign()
	body["is_recurring"] = true
	body["recurring_pattern"] = "daily"
	body["recurring_interval"] = 1
	body["recurring_end_date"] = time.Now().Add(-time.Hour)

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	tpl := decodeBody[models.Campaign](t, rec)
	if tpl.NextRunAt != nil {
		t.Errorf("NextRunAt = %v, want nil for an already ended template", tpl.NextRunAt)
	}
	due, _ := env.store.DueTemplates(context.Background(), time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Errorf("DueTemplates() = %d, want 0", len(due))
	}
}

func TestTriggerCampaign(t *testing.T) {
	env := newTestEnv(t, testKey)

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns/trigger", emailCampaign())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[map[string]string](t, rec)
	env.server.runs.Wait()

	env.runner.mu.Lock()
	defer env.runner.mu.Unlock()
	if len(env.runner.triggered) != 1 || env.runner.triggered[0].ID != resp["id"] {
		t.Fatalf("triggered = %+v, want campaign %s", env.runner.triggered, resp["id"])
	}
	if env.runner.triggered[0].Audience.Kind != "leads" {
		t.Errorf("Audience = %+v, want leads", env.runner.triggered[0].Audience)
	}

	body := emailCampaign()
	body["is_recurring"] = true
	body["recurring_pattern"] = "daily"
	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/trigger", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("trigger recurring status = %d, want 400", rec.Code)
	}
}

func TestAutomationCRUD(t *testing.T) {
	env := newTestEnv(t, testKey)
	due := time.Now().Add(time.Hour).UTC()

	valid := map[string]any{
		"lead_id": "l1",
		"due_at":  due,
		"action":  map[string]any{"type": "sms", "sms": map[string]any{"body": "see you tomorrow"}},
	}
	rec := env.do(t, http.MethodPost, "/api/v1/automations", valid)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	a := decodeBody[models.LeadAutomation](t, rec)
	if a.Status != models.AutomationScheduled {
		t.Errorf("Status = %v, want scheduled", a.Status)
	}

	bad := []map[string]any{
		{"lead_id": "l1", "action": valid["action"]},
		{"lead_id": "l1", "due_at": due, "action": map[string]any{"type": "sms", "email": map[string]any{"subject": "x"}}},
		{"due_at": due, "action": valid["action"]},
	}
	for i, body := range bad {
		if rec := env.do(t, http.MethodPost, "/api/v1/automations", body); rec.Code != http.StatusBadRequest {
			t.Errorf("bad body %d status = %d, want 400", i, rec.Code)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/v1/automations?lead_id=l1", nil)
	if list := decodeBody[[]models.LeadAutomation](t, rec); len(list) != 1 {
		t.Errorf("list = %d, want 1", len(list))
	}

	recurring := map[string]any{
		"lead_id":            "l1",
		"due_at":             due,
		"action":             map[string]any{"type": "call", "call": map[string]any{"script": "weekly check-in"}},
		"is_recurring":       true,
		"recurring_pattern":  "weekly",
		"recurring_interval": 1,
	}
	rec = env.do(t, http.MethodPut, "/api/v1/automations/"+a.ID, recurring)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[models.LeadAutomation](t, rec)
	if !updated.IsRecurring || updated.NextRunAt == nil || !updated.NextRunAt.Equal(due) {
		t.Errorf("updated = %+v, want weekly recurring from due", updated)
	}

	if rec := env.do(t, http.MethodDelete, "/api/v1/automations/"+a.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/automations/"+a.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestSeriesAndEnrollments(t *testing.T) {
	env := newTestEnv(t, testKey)

	body := map[string]any{
		"name":   "onboarding",
		"active": true,
		"steps": []map[string]any{
			{"step_order": 0, "channel": "email", "subject": "Welcome", "content": "Hi {{first_name}}"},
			{"step_order": 1, "channel": "sms", "content": "Any questions?", "delay_days": 2},
		},
	}
	rec := env.do(t, http.MethodPost, "/api/v1/series", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	sr := decodeBody[models.Series](t, rec)

	dup := map[string]any{
		"name": "broken",
		"steps": []map[string]any{
			{"step_order": 0, "channel": "email", "content": "a"},
			{"step_order": 0, "channel": "email", "content": "b"},
		},
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/series", dup); rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate steps status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/series/"+sr.ID+"/steps/2", map[string]any{
		"channel": "email", "content": "Last call", "delay_days": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert step status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[models.Series](t, rec); len(got.Steps) != 3 {
		t.Errorf("steps = %d, want 3", len(got.Steps))
	}

	rec = env.do(t, http.MethodPost, "/api/v1/series/"+sr.ID+"/enrollments", map[string]any{"type": "lead", "id": "l1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("enroll status = %d, body = %s", rec.Code, rec.Body.String())
	}
	en := decodeBody[models.SeriesEnrollment](t, rec)
	if en.Status != models.EnrollmentActive || en.CurrentStep != 0 || en.NextStepAt == nil {
		t.Errorf("enrollment = %+v", en)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/series/"+sr.ID+"/enrollments", map[string]any{"type": "address", "address": "ada@example.com"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("enroll address status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/series/"+sr.ID+"/enrollments", map[string]any{"type": "lead"}); rec.Code != http.StatusBadRequest {
		t.Errorf("enroll lead without id status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/series/"+sr.ID+"/enrollments", nil)
	if list := decodeBody[[]models.SeriesEnrollment](t, rec); len(list) != 2 {
		t.Errorf("enrollments = %d, want 2", len(list))
	}

	rec = env.do(t, http.MethodPost, "/api/v1/enrollments/"+en.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if got := decodeBody[models.SeriesEnrollment](t, rec); got.Status != models.EnrollmentCancelled || got.NextStepAt != nil {
		t.Errorf("cancelled = %+v", got)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/enrollments/"+en.ID+"/cancel", nil); rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}

	enrolled := decodeBody[[]models.SeriesEnrollment](t, env.do(t, http.MethodGet, "/api/v1/series/"+sr.ID+"/enrollments?status=active", nil))
	if len(enrolled) != 1 {
		t.Fatalf("active enrollments = %d, want 1", len(enrolled))
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/enrollments/"+enrolled[0].ID, nil); rec.Code != http.StatusConflict {
		t.Errorf("delete active enrollment status = %d, want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/enrollments/"+en.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete cancelled enrollment status = %d, want 204", rec.Code)
	}

	body["active"] = false
	if rec := env.do(t, http.MethodPut, "/api/v1/series/"+sr.ID, body); rec.Code != http.StatusOK {
		t.Fatalf("deactivate series status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/series/"+sr.ID+"/enrollments", map[string]any{"type": "lead", "id": "l2"})
	if rec.Code != http.StatusConflict {
		t.Errorf("enroll in inactive series status = %d, want 409", rec.Code)
	}
}

func TestPendingActions(t *testing.T) {
	env := newTestEnv(t, testKey)
	ctx := context.Background()

	c := &models.Campaign{Name: "launch", Channel: models.ChannelSMS, Content: "We are live", Audience: models.Audience{Kind: "clients"}}
	if err := env.store.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}

	stage := map[string]any{"kind": "trigger_campaign", "target_id": c.ID}
	rec := env.do(t, http.MethodPost, "/api/v1/pending", stage, "X-Actor-ID", "u1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("stage status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Another actor has nothing to confirm
	if rec := env.do(t, http.MethodPost, "/api/v1/pending/confirm", nil, "X-Actor-ID", "u2"); rec.Code != http.StatusNotFound {
		t.Errorf("confirm by other actor status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/pending/confirm", nil, "X-Actor-ID", "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body = %s", rec.Code, rec.Body.String())
	}
	env.server.runs.Wait()

	env.runner.mu.Lock()
	processed := append([]string(nil), env.runner.processed...)
	env.runner.mu.Unlock()
	if len(processed) != 1 || processed[0] != c.ID {
		t.Errorf("processed = %v, want [%s]", processed, c.ID)
	}
	got, _ := env.store.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignSending {
		t.Errorf("Status = %v, want sending", got.Status)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/pending/confirm", nil, "X-Actor-ID", "u1"); rec.Code != http.StatusNotFound {
		t.Errorf("second confirm status = %d, want 404", rec.Code)
	}

	// A one-shot campaign cannot be deactivated
	rec = env.do(t, http.MethodPost, "/api/v1/pending", map[string]any{"kind": "deactivate_template", "target_id": c.ID}, "X-Actor-ID", "u1")
	if rec.Code != http.StatusConflict {
		t.Errorf("stage deactivate one-shot status = %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/pending", map[string]any{"kind": "unknown", "target_id": c.ID}, "X-Actor-ID", "u1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("stage unknown kind status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/pending", map[string]any{"kind": "trigger_campaign", "target_id": "missing"}, "X-Actor-ID", "u1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("stage missing target status = %d, want 404", rec.Code)
	}
}

func TestPendingDiscard(t *testing.T) {
	env := newTestEnv(t, testKey)
	ctx := context.Background()

	first := time.Now().Add(time.Hour)
	tpl := &models.Campaign{
		Name:       "weekly digest",
		Channel:    models.ChannelEmail,
		Content:    "digest",
		NextRunAt:  &first,
		Recurrence: models.Recurrence{IsRecurring: true, RecurringPattern: "weekly"},
	}
	if err := env.store.CreateCampaign(ctx, tpl); err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}

	stage := map[string]any{"kind": "deactivate_template", "target_id": tpl.ID}
	if rec := env.do(t, http.MethodPost, "/api/v1/pending", stage); rec.Code != http.StatusAccepted {
		t.Fatalf("stage status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/pending", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("discard status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/pending", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second discard status = %d, want 404", rec.Code)
	}

	got, _ := env.store.GetCampaign(ctx, tpl.ID)
	if got.Status != models.CampaignPending {
		t.Errorf("discarded action changed Status to %v", got.Status)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/pending", stage); rec.Code != http.StatusAccepted {
		t.Fatalf("stage status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/pending/confirm", nil); rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got, _ = env.store.GetCampaign(ctx, tpl.ID)
	if got.Status != models.CampaignInactive {
		t.Errorf("Status = %v, want inactive", got.Status)
	}
}
