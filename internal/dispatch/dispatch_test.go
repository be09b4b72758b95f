package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bossbot/internal/alert"
	"bossbot/internal/storage"
	kit "bossbot/internal/transport"
	"bossbot/pkg/logx"
)

// fakeSink records sends and can be told to fail for certain chats.
type fakeSink struct {
	mu     sync.Mutex
	sent   []string
	chats  []int64
	failFn func(to kit.ChatTarget) error
}

func (f *fakeSink) Send(_ context.Context, to kit.ChatTarget, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFn != nil {
		if err := f.failFn(to); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, to.ChatID)
	return nil
}

func (f *fakeSink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "alerts.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestService(t *testing.T, st storage.Store, sink Sink, at time.Time) *Service {
	t.Helper()
	s := New(Config{
		Mention:     "@raiders",
		LeadMinutes: 5,
	}, st, sink, logx.Nop())
	s.now = func() time.Time { return at }
	return s
}

// End-to-end over a real store: schedule from detected text, tick before
// due, tick at due, observe exactly one notification and a fired alert.
func TestDispatchEndToEnd(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	sched := alert.NewScheduler(st, 5, logx.Nop())
	minutes, ok := alert.Detect("World Boss spawning in 10 minutes", alert.DefaultKeyword)
	if !ok {
		t.Fatal("detector missed the announcement")
	}
	if err := sched.Schedule(ctx, "100:1", "4242", minutes, base); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sink := &fakeSink{}
	svc := newTestService(t, st, sink, base)

	// Tick at T: alert runs at T+5m, nothing due.
	svc.RunOnce(ctx)
	if sink.sentCount() != 0 {
		t.Fatalf("premature dispatch: %v", sink.sent)
	}

	// Tick at T+5m: fires once.
	svc.now = func() time.Time { return base.Add(5 * time.Minute) }
	svc.RunOnce(ctx)
	if sink.sentCount() != 1 {
		t.Fatalf("sent %d notifications, want 1", sink.sentCount())
	}
	if got := sink.sent[0]; !strings.Contains(got, "@raiders") || !strings.Contains(got, "5 minutes") {
		t.Fatalf("notification %q missing mention or lead", got)
	}
	if sink.chats[0] != 4242 {
		t.Fatalf("notified chat %d, want 4242", sink.chats[0])
	}

	// Later ticks must not fire again.
	svc.now = func() time.Time { return base.Add(time.Hour) }
	svc.RunOnce(ctx)
	if sink.sentCount() != 1 {
		t.Fatalf("alert fired more than once: %d sends", sink.sentCount())
	}
}

func TestDispatchReleasesOnSendFailure(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	if _, err := st.InsertIfAbsent(ctx, storage.Alert{
		SourceEventID: "100:2",
		Destination:   "4242",
		RunAt:         base.UnixMilli(),
		CreatedAt:     base.UnixMilli(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	unreachable := errors.New("chat unreachable")
	sink := &fakeSink{failFn: func(kit.ChatTarget) error { return unreachable }}
	svc := newTestService(t, st, sink, base)

	svc.RunOnce(ctx)
	if sink.sentCount() != 0 {
		t.Fatal("failed send must not count as delivered")
	}

	// Sink recovers; the released alert retries on the next tick.
	sink.mu.Lock()
	sink.failFn = nil
	sink.mu.Unlock()
	svc.now = func() time.Time { return base.Add(10 * time.Second) }
	svc.RunOnce(ctx)
	if sink.sentCount() != 1 {
		t.Fatalf("released alert did not retry: %d sends", sink.sentCount())
	}
}

func TestDispatchBatchIsolation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, dest := range []string{"1", "2", "3"} {
		if _, err := st.InsertIfAbsent(ctx, storage.Alert{
			SourceEventID: dest,
			Destination:   dest,
			RunAt:         base.Add(time.Duration(i) * time.Second).UnixMilli(),
			CreatedAt:     base.UnixMilli(),
		}); err != nil {
			t.Fatalf("insert %s: %v", dest, err)
		}
	}

	// Chat 2 fails; 1 and 3 must still be notified this tick.
	sink := &fakeSink{failFn: func(to kit.ChatTarget) error {
		if to.ChatID == 2 {
			return errors.New("boom")
		}
		return nil
	}}
	svc := newTestService(t, st, sink, base.Add(time.Minute))

	svc.RunOnce(ctx)
	if sink.sentCount() != 2 {
		t.Fatalf("sent %d notifications, want 2 despite one failure", sink.sentCount())
	}
	for _, id := range sink.chats {
		if id == 2 {
			t.Fatal("failing chat should not appear in sends")
		}
	}
}

func TestDispatchBadDestinationReleased(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	if _, err := st.InsertIfAbsent(ctx, storage.Alert{
		SourceEventID: "100:3",
		Destination:   "not-a-chat-id",
		RunAt:         base.UnixMilli(),
		CreatedAt:     base.UnixMilli(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sink := &fakeSink{}
	svc := newTestService(t, st, sink, base)
	svc.RunOnce(ctx)

	if sink.sentCount() != 0 {
		t.Fatal("unresolvable destination must not be sent")
	}
	// The claim was released, not leaked: the row is claimable again.
	got, err := st.ClaimDue(ctx, base.Add(time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("bad-destination alert leaked its claim: got %d", len(got))
	}
}

func TestStaleClaimRecovery(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	if _, err := st.InsertIfAbsent(ctx, storage.Alert{
		SourceEventID: "100:4",
		Destination:   "4242",
		RunAt:         base.UnixMilli(),
		CreatedAt:     base.UnixMilli(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Simulate a crash mid-tick: the alert is claimed but never sent.
	if got, err := st.ClaimDue(ctx, base); err != nil || len(got) != 1 {
		t.Fatalf("claim: got %d, err %v", len(got), err)
	}

	sink := &fakeSink{}
	svc := newTestService(t, st, sink, base.Add(30*time.Second))

	// Within the stale window nothing happens.
	svc.RunOnce(ctx)
	if sink.sentCount() != 0 {
		t.Fatal("claim still fresh; must not be re-dispatched")
	}

	// Past the stale window the sweep releases and the same tick re-claims.
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	svc.RunOnce(ctx)
	if sink.sentCount() != 1 {
		t.Fatalf("orphaned claim not recovered: %d sends", sink.sentCount())
	}
}

func TestApplyKeepsTickInterval(t *testing.T) {
	st := openTestStore(t)
	sink := &fakeSink{}
	svc := New(Config{TickInterval: 3 * time.Second, Mention: "@a"}, st, sink, logx.Nop())

	svc.Apply(Config{Mention: "@b", LeadMinutes: 7})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.cfg.TickInterval != 3*time.Second {
		t.Fatalf("tick interval changed on Apply: %v", svc.cfg.TickInterval)
	}
	if svc.cfg.Mention != "@b" || svc.cfg.LeadMinutes != 7 {
		t.Fatalf("hot fields not applied: %+v", svc.cfg)
	}
}

func TestApplyKeepsStaleClaimAfter(t *testing.T) {
	st := openTestStore(t)
	sink := &fakeSink{}
	svc := New(Config{StaleClaimAfter: 5 * time.Minute, Mention: "@a"}, st, sink, logx.Nop())

	// A reload that doesn't mention the stale window must not shrink it.
	svc.Apply(Config{Mention: "@b"})
	svc.mu.Lock()
	got := svc.cfg.StaleClaimAfter
	svc.mu.Unlock()
	if got != 5*time.Minute {
		t.Fatalf("StaleClaimAfter after Apply = %v, want configured 5m", got)
	}

	// An explicit new window does take effect.
	svc.Apply(Config{Mention: "@b", StaleClaimAfter: 10 * time.Minute})
	svc.mu.Lock()
	got = svc.cfg.StaleClaimAfter
	svc.mu.Unlock()
	if got != 10*time.Minute {
		t.Fatalf("StaleClaimAfter after explicit Apply = %v, want 10m", got)
	}
}
