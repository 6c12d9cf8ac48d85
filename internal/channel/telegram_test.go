package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/courier/internal/models"
)

func TestParseChatTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"12345", "12345", false},
		{"-1001234567890", "-1001234567890", false},
		{"@announcements", "@announcements", false},
		{"", "", true},
		{"not a chat", "", true},
	}

	for _, tt := range tests {
		got, err := parseChatTarget(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseChatTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got.Recipient() != tt.want {
			t.Errorf("parseChatTarget(%q) = %q, want %q", tt.in, got.Recipient(), tt.want)
		}
	}
}

func TestTelegramAdapterSend(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["chat_id"] != "-100200" {
			t.Errorf("chat_id = %v", body["chat_id"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":-100200,"type":"group"}}}`))
	}))
	defer srv.Close()

	bot, err := NewTelegramBot(TelegramConfig{Token: "123:abc", APIURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramBot() error = %v", err)
	}
	a := NewTelegramAdapter(models.ChannelChatBroadcast, bot, testLogger())
	if a.Channel() != models.ChannelChatBroadcast {
		t.Errorf("Channel() = %s", a.Channel())
	}

	res := a.Send(context.Background(), "-100200", Message{Body: "Weekly update"})
	if !res.Success || res.ProviderRef != "-100200:7" {
		t.Errorf("Send() = %+v, want success -100200:7", res)
	}
	if len(methods) != 1 || methods[0] != "sendMessage" {
		t.Errorf("methods = %v, want [sendMessage]", methods)
	}
}

func TestTelegramAdapterWithoutBot(t *testing.T) {
	a := NewTelegramAdapter(models.ChannelChatDirect, nil, testLogger())
	res := a.Send(context.Background(), "1", Message{Body: "hi"})
	if res.Success || !strings.Contains(res.Error, "not configured") {
		t.Errorf("Send() = %+v, want configuration failure", res)
	}
}

func TestNewTelegramBotEmptyToken(t *testing.T) {
	if _, err := NewTelegramBot(TelegramConfig{}); err == nil {
		t.Error("NewTelegramBot() expected error for empty token")
	}
}
