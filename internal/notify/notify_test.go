package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	kit "bossbot/internal/transport"
	"bossbot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	opts  []*kit.SendOptions
	delay time.Duration
	err   error
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                    { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.opts = append(f.opts, opt)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func TestSendDeliversThroughAdapter(t *testing.T) {
	ad := &fakeAdapter{}
	svc := New(Config{RatePerSec: 10}, ad, logx.Nop())

	if err := svc.Send(context.Background(), kit.ChatTarget{ChatID: 7}, "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ad.sent) != 1 || ad.sent[0] != "ping" {
		t.Fatalf("adapter saw %v", ad.sent)
	}
	if !ad.opts[0].DisablePreview {
		t.Error("notifications must disable link previews")
	}
}

func TestSendTimeoutIsFailure(t *testing.T) {
	// The adapter stalls past the send timeout; Send must return an error
	// so the dispatcher can release the claim for retry.
	ad := &fakeAdapter{delay: time.Second}
	svc := New(Config{RatePerSec: 10, SendTimeout: 20 * time.Millisecond}, ad, logx.Nop())

	err := svc.Send(context.Background(), kit.ChatTarget{ChatID: 7}, "ping")
	if err == nil {
		t.Fatal("stalled send reported as success")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(ad.sent) != 0 {
		t.Fatalf("timed-out send recorded a delivery: %v", ad.sent)
	}
}

func TestSendPropagatesAdapterError(t *testing.T) {
	boom := errors.New("flood wait")
	ad := &fakeAdapter{err: boom}
	svc := New(Config{RatePerSec: 10}, ad, logx.Nop())

	if err := svc.Send(context.Background(), kit.ChatTarget{ChatID: 7}, "ping"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want adapter error", err)
	}
}

func TestSendHonorsCancelWhileRateLimited(t *testing.T) {
	ad := &fakeAdapter{}
	svc := New(Config{RatePerSec: 1}, ad, logx.Nop())

	// First send drains the single token.
	if err := svc.Send(context.Background(), kit.ChatTarget{ChatID: 7}, "one"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Send(ctx, kit.ChatTarget{ChatID: 7}, "two"); err == nil {
		t.Fatal("cancelled wait on the limiter must fail the send")
	}
	if len(ad.sent) != 1 {
		t.Fatalf("adapter saw %v, want only the first send", ad.sent)
	}
}

func TestApplySwapsLimiter(t *testing.T) {
	svc := New(Config{RatePerSec: 1}, &fakeAdapter{}, logx.Nop())

	svc.Apply(Config{RatePerSec: 5, SendTimeout: time.Second})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if got := svc.limiter.Limit(); got != rate.Limit(5) {
		t.Fatalf("limiter rate = %v, want 5", got)
	}
	if got := svc.limiter.Burst(); got != 5 {
		t.Fatalf("limiter burst = %d, want 5", got)
	}
	if svc.cfg.SendTimeout != time.Second {
		t.Fatalf("send timeout = %v", svc.cfg.SendTimeout)
	}
}

func TestConfigDefaults(t *testing.T) {
	svc := New(Config{}, &fakeAdapter{}, logx.Nop())

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.cfg.RatePerSec != 1 || svc.cfg.SendTimeout != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", svc.cfg)
	}
}
