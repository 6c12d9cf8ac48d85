package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/courier/internal/models"
	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the chat bot used for direct messages and group broadcasts
type TelegramConfig struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

// NewTelegramBot creates a send-only bot. No updates are polled.
func NewTelegramBot(cfg TelegramConfig) (*tele.Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
}

// chatTarget addresses a chat by numeric ID or @username
type chatTarget string

func (c chatTarget) Recipient() string {
	return string(c)
}

// TelegramAdapter delivers to chats through one bot. The same bot serves
// direct messages and group broadcasts under different channels.
type TelegramAdapter struct {
	channel models.Channel
	bot     *tele.Bot
	logger  *slog.Logger
}

// NewTelegramAdapter creates an adapter for ch. bot may be nil when no token is configured.
func NewTelegramAdapter(ch models.Channel, bot *tele.Bot, logger *slog.Logger) *TelegramAdapter {
	return &TelegramAdapter{channel: ch, bot: bot, logger: logger}
}

// Channel returns the configured chat channel
func (a *TelegramAdapter) Channel() models.Channel {
	return a.channel
}

// Send posts the message text, or the media with the text as caption of the first item
func (a *TelegramAdapter) Send(ctx context.Context, target string, msg Message) Result {
	if a.bot == nil {
		return Failed("chat bot token is not configured")
	}
	to, err := parseChatTarget(target)
	if err != nil {
		return Failed("%v", err)
	}
	if err := ctx.Err(); err != nil {
		return Failed("%v", err)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}

	if len(msg.Media) == 0 {
		sent, err := a.bot.Send(to, text, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return Failed("%v", err)
		}
		return Sent(messageRef(sent))
	}

	var first string
	for i, ref := range msg.Media {
		photo := &tele.Photo{File: tele.FromURL(ref)}
		if i == 0 {
			photo.Caption = text
		}
		sent, err := a.bot.Send(to, photo)
		if err != nil {
			if i == 0 {
				return Failed("%v", err)
			}
			a.logger.Warn("failed to send media item", "target", target, "media", ref, "error", err)
			continue
		}
		if i == 0 {
			first = messageRef(sent)
		}
	}
	return Sent(first)
}

func parseChatTarget(target string) (tele.Recipient, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty chat target")
	}
	if strings.HasPrefix(target, "@") {
		return chatTarget(target), nil
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat target %q", target)
	}
	return tele.ChatID(id), nil
}

func messageRef(m *tele.Message) string {
	if m == nil {
		return ""
	}
	if m.Chat != nil {
		return fmt.Sprintf("%d:%d", m.Chat.ID, m.ID)
	}
	return strconv.Itoa(m.ID)
}
