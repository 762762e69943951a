package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordSender struct {
	name  string
	sent  []string
	fails bool
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.sent = append(r.sent, title)
	if r.fails {
		return errors.New("boom")
	}
	return nil
}

func (r *recordSender) Name() string { return r.name }

func TestNotifierFilter(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"market_settled", " "}, discardLogger())

	_ = n.Notify(context.Background(), "bet_placed", "ignored", "")
	_ = n.Notify(context.Background(), "market_settled", "settled", "")
	_ = n.NotifyAll(context.Background(), "startup", "")

	if got := strings.Join(s.sent, ","); got != "settled,startup" {
		t.Errorf("sent = %q, want %q", got, "settled,startup")
	}
}

func TestNotifierContinuesPastFailure(t *testing.T) {
	bad := &recordSender{name: "bad", fails: true}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "any", "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Errorf("err = %v, want bad sender failure", err)
	}
	if len(good.sent) != 1 {
		t.Errorf("good sender calls = %d, want 1", len(good.sent))
	}
	if !n.Enabled() {
		t.Error("Enabled() = false, want true")
	}
}

func TestTelegramSender(t *testing.T) {
	var gotPath string
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "TOKEN", "42")
	if err := s.Send(context.Background(), "Title", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if payload["chat_id"] != "42" || payload["text"] != "*Title*\nbody" {
		t.Errorf("payload = %v", payload)
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	tests := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusNoContent, false},
		{http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
		srv.Close()
		if (err != nil) != tt.wantErr {
			t.Errorf("status %d: err = %v, wantErr %v", tt.status, err, tt.wantErr)
		}
	}
}
