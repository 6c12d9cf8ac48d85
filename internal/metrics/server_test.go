package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.CampaignRunsTotal.WithLabelValues("completed").Inc()

	s := NewServer(m, "", "", []string{"10.0.0.0/8"}, logger)

	tests := []struct {
		name       string
		path       string
		remoteAddr string
		wantStatus int
		wantBody   string
	}{
		{"allowed metrics", "/metrics", "10.1.1.1:5000", http.StatusOK, "courier_campaign_runs_total"},
		{"denied metrics", "/metrics", "192.168.1.1:5000", http.StatusForbidden, ""},
		{"health is open", "/health", "192.168.1.1:5000", http.StatusOK, "OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q", tt.wantBody)
			}
		})
	}
}
