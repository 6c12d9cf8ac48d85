package personalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/courier/internal/models"
)

// HTTPPersonalizer asks an external text service to rewrite content for a
// recipient. Variables are substituted before the request.
type HTTPPersonalizer struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPPersonalizer creates a personalizer calling endpoint
func NewHTTPPersonalizer(endpoint, apiKey string, timeout time.Duration) *HTTPPersonalizer {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &HTTPPersonalizer{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type personalizeRequest struct {
	Content   string            `json:"content"`
	Recipient map[string]string `json:"recipient"`
}

type personalizeResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Personalize sends the rendered content to the service and returns its rewrite
func (p *HTTPPersonalizer) Personalize(ctx context.Context, rcpt models.Recipient, content string) (string, error) {
	vars := Variables(rcpt)
	body, err := json.Marshal(personalizeRequest{Content: Render(content, vars), Recipient: vars})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var out personalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("personalization service error: %s", out.Error)
	}
	if strings.TrimSpace(out.Content) == "" {
		return "", errors.New("personalization service returned empty content")
	}
	return out.Content, nil
}
