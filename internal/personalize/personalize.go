// Package personalize adapts message content to one recipient before sending.
// Personalization is best effort: callers fall back to the base content on error.
package personalize

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
)

// Personalizer rewrites content for a recipient
type Personalizer interface {
	Personalize(ctx context.Context, rcpt models.Recipient, content string) (string, error)
}

var varPattern = regexp.MustCompile(`\{\{\s*[a-zA-Z_][a-zA-Z0-9_]*\s*\}\}`)

// Variables returns the substitution variables of a recipient
func Variables(rcpt models.Recipient) map[string]string {
	vars := map[string]string{
		"destination": rcpt.Destination,
	}
	c := rcpt.Contact
	if c == nil {
		return vars
	}
	vars["first_name"] = c.FirstName
	vars["last_name"] = c.LastName
	vars["name"] = c.FullName()
	vars["company"] = c.Company
	vars["email"] = c.Email
	vars["phone"] = c.Phone
	vars["industry"] = c.Industry
	return vars
}

// Render substitutes {{variable}} patterns. Unknown variables are kept as is.
func Render(content string, vars map[string]string) string {
	if content == "" {
		return content
	}
	return varPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// TemplatePersonalizer fills recipient variables into the content
type TemplatePersonalizer struct{}

// NewTemplatePersonalizer creates a variable substituting personalizer
func NewTemplatePersonalizer() *TemplatePersonalizer {
	return &TemplatePersonalizer{}
}

// Personalize renders the recipient's variables into content
func (p *TemplatePersonalizer) Personalize(ctx context.Context, rcpt models.Recipient, content string) (string, error) {
	return Render(content, Variables(rcpt)), nil
}

// Apply runs p best effort: a nil personalizer, an error or an empty result
// yields content unchanged.
func Apply(ctx context.Context, p Personalizer, rcpt models.Recipient, content string, logger *slog.Logger) string {
	if p == nil || content == "" {
		return content
	}
	out, err := p.Personalize(ctx, rcpt, content)
	if err != nil {
		metrics.IncPersonalizationErrors()
		logger.Debug("personalization failed, using base content", "recipient", rcpt.Ref.Key(), "error", err)
		return content
	}
	if out == "" {
		return content
	}
	return out
}
