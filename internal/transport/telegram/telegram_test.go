package telegram

import (
	"context"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "bossbot/internal/transport"
	"bossbot/pkg/logx"
)

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestStopWithoutStart(t *testing.T) {
	a := &Adapter{log: logx.Nop()}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop on idle adapter: %v", err)
	}
}

func TestStopPollerIdempotent(t *testing.T) {
	a := &Adapter{log: logx.Nop()}

	// The ctx-watch goroutine and Stop can both reach here; neither repeat
	// may block.
	done := make(chan struct{})
	go func() {
		a.stopPoller()
		a.stopPoller()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("repeated stopPoller blocked")
	}
}

func TestMessageFrom(t *testing.T) {
	m := &tele.Message{
		ID:       42,
		Chat:     &tele.Chat{ID: -100123, Type: tele.ChatSuperGroup},
		ThreadID: 7,
		Text:     "World Boss spawning in 12 minutes",
		Sender:   &tele.User{ID: 555, Username: "announcer"},
	}

	got := messageFrom(m)
	if got.ID != 42 || got.ChatID != -100123 || got.ThreadID != 7 {
		t.Fatalf("ids mis-mapped: %+v", got)
	}
	if !got.IsGroup {
		t.Error("supergroup not marked as group")
	}
	if got.FromID != 555 || got.FromUsername != "announcer" {
		t.Errorf("sender mis-mapped: %+v", got)
	}
	if got.Text != m.Text {
		t.Errorf("text = %q", got.Text)
	}
	if len(got.Embeds) != 0 {
		t.Errorf("no caption, embeds = %+v", got.Embeds)
	}
}

func TestMessageFromCaptionBecomesEmbed(t *testing.T) {
	m := &tele.Message{
		ID:      43,
		Chat:    &tele.Chat{ID: -100123, Type: tele.ChatChannel},
		Caption: "World Boss spawning in 9 minutes",
	}

	got := messageFrom(m)
	want := []kit.Embed{{Description: m.Caption}}
	if len(got.Embeds) != 1 || got.Embeds[0] != want[0] {
		t.Fatalf("embeds = %+v, want %+v", got.Embeds, want)
	}
	if got.IsGroup {
		t.Error("channel post marked as group")
	}
}
