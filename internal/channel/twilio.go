package channel

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/courier/internal/models"
)

const defaultTwilioURL = "https://api.twilio.com"

// TwilioConfig configures the SMS and voice adapters
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	// AssistantURL receives calls that carry an assistant reference
	AssistantURL string
	Timeout      time.Duration
}

// TwilioClient is a minimal client for the Twilio REST API
type TwilioClient struct {
	cfg        TwilioConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTwilioClient creates a new Twilio client
func NewTwilioClient(cfg TwilioConfig, logger *slog.Logger) *TwilioClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TwilioClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type twilioResource struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (c *TwilioClient) configured() bool {
	return c.cfg.AccountSID != "" && c.cfg.AuthToken != "" && c.cfg.From != ""
}

// create posts a form to an account resource and returns the created SID
func (c *TwilioClient) create(ctx context.Context, resource string, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/%s.json",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.AccountSID), resource)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr twilioError
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
			return "", fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return "", fmt.Errorf("twilio %d: %s", apiErr.Code, apiErr.Message)
	}

	var res twilioResource
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if res.ErrorCode != nil {
		return res.SID, fmt.Errorf("twilio %d: %s", *res.ErrorCode, res.ErrorMessage)
	}
	if res.Status == "failed" || res.Status == "undelivered" {
		return res.SID, fmt.Errorf("message %s", res.Status)
	}
	return res.SID, nil
}

// SMSAdapter sends text messages through Twilio
type SMSAdapter struct {
	client *TwilioClient
}

// NewSMSAdapter creates an SMS adapter
func NewSMSAdapter(client *TwilioClient) *SMSAdapter {
	return &SMSAdapter{client: client}
}

// Channel returns the sms channel
func (a *SMSAdapter) Channel() models.Channel {
	return models.ChannelSMS
}

// Send sends one text message
func (a *SMSAdapter) Send(ctx context.Context, target string, msg Message) Result {
	if !a.client.configured() {
		return Failed("sms provider credentials are not configured")
	}

	form := url.Values{}
	form.Set("To", target)
	form.Set("From", a.client.cfg.From)
	form.Set("Body", msg.Body)
	for _, m := range msg.Media {
		form.Add("MediaUrl", m)
	}

	sid, err := a.client.create(ctx, "Messages", form)
	if err != nil {
		return Result{ProviderRef: sid, Error: err.Error()}
	}
	return Sent(sid)
}

// VoiceAdapter places outbound calls through Twilio
type VoiceAdapter struct {
	client *TwilioClient
}

// NewVoiceAdapter creates a voice adapter
func NewVoiceAdapter(client *TwilioClient) *VoiceAdapter {
	return &VoiceAdapter{client: client}
}

// Channel returns the voice channel
func (a *VoiceAdapter) Channel() models.Channel {
	return models.ChannelVoice
}

// Send places one call. Calls with an assistant reference are handed to the
// assistant webhook; others read the body aloud.
func (a *VoiceAdapter) Send(ctx context.Context, target string, msg Message) Result {
	if !a.client.configured() {
		return Failed("voice provider credentials are not configured")
	}

	form := url.Values{}
	form.Set("To", target)
	form.Set("From", a.client.cfg.From)

	if msg.AssistantRef != "" && a.client.cfg.AssistantURL != "" {
		u, err := url.Parse(a.client.cfg.AssistantURL)
		if err != nil {
			return Failed("invalid assistant url: %v", err)
		}
		q := u.Query()
		q.Set("assistant", msg.AssistantRef)
		u.RawQuery = q.Encode()
		form.Set("Url", u.String())
	} else {
		twiml, err := sayTwiML(msg.Body)
		if err != nil {
			return Failed("build twiml: %v", err)
		}
		form.Set("Twiml", twiml)
	}

	sid, err := a.client.create(ctx, "Calls", form)
	if err != nil {
		return Result{ProviderRef: sid, Error: err.Error()}
	}
	return Sent(sid)
}

func sayTwiML(text string) (string, error) {
	doc := struct {
		XMLName xml.Name `xml:"Response"`
		Say     string   `xml:"Say"`
	}{Say: text}
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
