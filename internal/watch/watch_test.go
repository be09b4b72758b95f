package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bossbot/internal/alert"
	kit "bossbot/internal/transport"
	"bossbot/pkg/logx"
)

type scheduled struct {
	sourceEventID string
	destination   string
	minutes       int
}

type fakeScheduler struct {
	mu      sync.Mutex
	calls   []scheduled
	failErr error
}

func (f *fakeScheduler) Schedule(_ context.Context, sourceEventID, destination string, minutes int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.calls = append(f.calls, scheduled{sourceEventID, destination, minutes})
	return nil
}

func (f *fakeScheduler) all() []scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduled(nil), f.calls...)
}

func newTestService(sched Scheduler) *Service {
	return New(Config{ChatID: 100, Keyword: alert.DefaultKeyword}, sched, logx.Nop())
}

func msg(chatID int64, id int, text string) *kit.Message {
	return &kit.Message{ID: id, ChatID: chatID, Text: text}
}

func TestHandleSchedulesAnnouncement(t *testing.T) {
	sched := &fakeScheduler{}
	svc := newTestService(sched)

	svc.handle(context.Background(), msg(100, 7, "World Boss spawning in 12 minutes"))

	calls := sched.all()
	if len(calls) != 1 {
		t.Fatalf("scheduled %d alerts, want 1", len(calls))
	}
	got := calls[0]
	if got.sourceEventID != "100:7" {
		t.Errorf("source event id = %q, want 100:7", got.sourceEventID)
	}
	if got.destination != "100" {
		t.Errorf("destination = %q, want 100", got.destination)
	}
	if got.minutes != 12 {
		t.Errorf("minutes = %d, want 12", got.minutes)
	}
}

func TestHandleIgnoresOtherChats(t *testing.T) {
	sched := &fakeScheduler{}
	svc := newTestService(sched)

	svc.handle(context.Background(), msg(999, 1, "World Boss spawning in 12 minutes"))

	if len(sched.all()) != 0 {
		t.Fatal("message from an unwatched chat was scheduled")
	}
}

func TestHandleIgnoresChatter(t *testing.T) {
	sched := &fakeScheduler{}
	svc := newTestService(sched)

	for id, text := range map[int]string{
		1: "good morning everyone",
		2: "the boss fight took 30 minutes yesterday",
		3: "world boss is up, no countdown today",
	} {
		svc.handle(context.Background(), msg(100, id, text))
	}

	if got := sched.all(); len(got) != 0 {
		t.Fatalf("chatter scheduled alerts: %+v", got)
	}
}

func TestHandleDetectsInEmbed(t *testing.T) {
	sched := &fakeScheduler{}
	svc := newTestService(sched)

	m := &kit.Message{ID: 3, ChatID: 100, Embeds: []kit.Embed{
		{Title: "World Boss", Description: "Spawning in 25 minutes"},
	}}
	svc.handle(context.Background(), m)

	calls := sched.all()
	if len(calls) != 1 || calls[0].minutes != 25 {
		t.Fatalf("embed announcement not detected: %+v", calls)
	}
}

func TestHandleDropsOnSchedulerError(t *testing.T) {
	sched := &fakeScheduler{failErr: errors.New("store down")}
	svc := newTestService(sched)

	// Must not panic or retry; the event is logged and dropped.
	svc.handle(context.Background(), msg(100, 4, "World Boss spawning in 8 minutes"))

	if len(sched.all()) != 0 {
		t.Fatal("failed schedule recorded a call")
	}
}

func TestApplyKeepsChatID(t *testing.T) {
	sched := &fakeScheduler{}
	svc := newTestService(sched)

	svc.Apply(Config{ChatID: 555, Keyword: "ancient dragon"})

	// The watched chat is pinned; only the keyword moved.
	svc.handle(context.Background(), msg(100, 5, "Ancient Dragon spawning in 9 minutes"))
	svc.handle(context.Background(), msg(555, 6, "Ancient Dragon spawning in 9 minutes"))

	calls := sched.all()
	if len(calls) != 1 || calls[0].sourceEventID != "100:5" {
		t.Fatalf("apply semantics wrong: %+v", calls)
	}
}

func TestRunStopsOnClosedChannel(t *testing.T) {
	sched := &fakeScheduler{}
	svc := newTestService(sched)

	updates := make(chan kit.Update, 2)
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: msg(100, 8, "World Boss spawning in 6 minutes")}
	updates <- kit.Update{Kind: kit.UpdateMessage} // nil message is skipped
	close(updates)

	if err := svc.Run(context.Background(), updates); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sched.all()) != 1 {
		t.Fatalf("scheduled %d alerts, want 1", len(sched.all()))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	svc := newTestService(&fakeScheduler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, make(chan kit.Update)) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
