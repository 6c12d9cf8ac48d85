package audience

import (
	"strings"

	"github.com/badoux/checkmail"
	"github.com/foxzi/courier/internal/models"
)

// Destination returns the contact's address for the channel, normalized.
// ok is false when the contact has no usable address.
func Destination(c *models.Contact, ch models.Channel) (string, bool) {
	switch ch {
	case models.ChannelEmail:
		return Normalize(ch, c.Email)
	case models.ChannelSMS, models.ChannelVoice:
		return Normalize(ch, c.Phone)
	case models.ChannelChatDirect:
		return Normalize(ch, c.ChatHandle)
	}
	// Group broadcasts target chats, never individual contacts
	return "", false
}

// Consented reports whether the contact opted in to the channel
func Consented(c *models.Contact, ch models.Channel) bool {
	switch ch {
	case models.ChannelEmail:
		return c.OptInEmail
	case models.ChannelSMS, models.ChannelVoice, models.ChannelChatDirect:
		return c.OptInSMS
	}
	return false
}

// Normalize cleans a raw address for the channel and validates its format
func Normalize(ch models.Channel, addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", false
	}

	switch ch {
	case models.ChannelEmail:
		addr = strings.ToLower(addr)
		if err := checkmail.ValidateFormat(addr); err != nil {
			return "", false
		}
		return addr, true
	case models.ChannelSMS, models.ChannelVoice:
		return normalizePhone(addr)
	}
	return addr, true
}

func normalizePhone(s string) (string, bool) {
	var b strings.Builder
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	if digits < 5 {
		return "", false
	}
	return b.String(), true
}

// ForContact applies the consent and address gates to one contact
func ForContact(c *models.Contact, ch models.Channel) (models.Recipient, bool) {
	if !Consented(c, ch) {
		return models.Recipient{}, false
	}
	dest, ok := Destination(c, ch)
	if !ok {
		return models.Recipient{}, false
	}
	return models.Recipient{
		Ref:         models.RecipientRef{Type: c.Type, ID: c.ID},
		Destination: dest,
		Contact:     c,
	}, true
}
