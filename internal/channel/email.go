package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxzi/courier/internal/models"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// TLS modes for the relay connection
const (
	TLSModeNone     = "none"
	TLSModeStartTLS = "starttls"
	TLSModeImplicit = "tls"
)

// MessageSigner signs a composed message, e.g. with DKIM
type MessageSigner interface {
	Sign(message []byte) ([]byte, error)
}

// EmailConfig configures relay delivery
type EmailConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	FromName           string
	TLSMode            string
	InsecureSkipVerify bool
	Hostname           string
}

// EmailAdapter composes MIME messages and submits them to a relay
type EmailAdapter struct {
	cfg    EmailConfig
	signer MessageSigner
	logger *slog.Logger
}

// NewEmailAdapter creates an email adapter. signer may be nil.
func NewEmailAdapter(cfg EmailConfig, signer MessageSigner, logger *slog.Logger) *EmailAdapter {
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeStartTLS
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return &EmailAdapter{cfg: cfg, signer: signer, logger: logger}
}

// Channel returns the email channel
func (a *EmailAdapter) Channel() models.Channel {
	return models.ChannelEmail
}

// Send composes and relays one message
func (a *EmailAdapter) Send(ctx context.Context, target string, msg Message) Result {
	if a.cfg.Host == "" || a.cfg.From == "" {
		return Failed("email relay is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Failed("%v", err)
	}

	id := uuid.New().String() + "@" + domainOf(a.cfg.From)
	data, err := a.compose(target, id, msg)
	if err != nil {
		return Failed("compose message: %v", err)
	}

	if a.signer != nil {
		signed, err := a.signer.Sign(data)
		if err != nil {
			a.logger.Warn("DKIM signing failed, sending unsigned", "error", err)
		} else {
			data = signed
		}
	}

	if err := a.relay(target, data); err != nil {
		return Failed("%s", describeSMTPError(err))
	}
	return Sent(id)
}

func (a *EmailAdapter) compose(to, id string, msg Message) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", a.cfg.From, a.cfg.FromName)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+id+">")
	m.SetDateHeader("Date", nowFunc())

	body := msg.Body
	var links []string
	for _, ref := range msg.Media {
		if isURL(ref) {
			links = append(links, ref)
			continue
		}
		m.Attach(ref)
	}
	if len(links) > 0 {
		body += "\n\n" + strings.Join(links, "\n")
	}

	if looksLikeHTML(msg.Body) {
		m.SetBody("text/plain", stripTags(body))
		m.AddAlternative("text/html", body)
	} else {
		m.SetBody("text/plain", body)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *EmailAdapter) relay(to string, data []byte) error {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.port()))
	tlsConfig := &tls.Config{ServerName: a.cfg.Host, InsecureSkipVerify: a.cfg.InsecureSkipVerify}

	var (
		c   *smtp.Client
		err error
	)
	if a.cfg.TLSMode == TLSModeImplicit {
		c, err = smtp.DialTLS(addr, tlsConfig)
	} else {
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer c.Close()

	if err := c.Hello(a.cfg.Hostname); err != nil {
		return err
	}
	if a.cfg.TLSMode == TLSModeStartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if a.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", a.cfg.Username, a.cfg.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.SendMail(a.cfg.From, []string{to}, bytes.NewReader(data)); err != nil {
		return err
	}
	return c.Quit()
}

func (a *EmailAdapter) port() int {
	if a.cfg.Port != 0 {
		return a.cfg.Port
	}
	switch a.cfg.TLSMode {
	case TLSModeImplicit:
		return 465
	case TLSModeNone:
		return 25
	}
	return 587
}

// describeSMTPError keeps the reply code of relay rejections
func describeSMTPError(err error) string {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Sprintf("smtp %d: %s", smtpErr.Code, smtpErr.Message)
	}
	return err.Error()
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func looksLikeHTML(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "<html") || strings.Contains(s, "<p>") || strings.Contains(s, "<br")
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
