package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bossbot/internal/storage"
	kit "bossbot/internal/transport"
	"bossbot/pkg/logx"
)

// Sink delivers a notification to a destination chat.
type Sink interface {
	Send(ctx context.Context, to kit.ChatTarget, text string) error
}

type Config struct {
	// TickInterval is how often due alerts are polled. Fixed for the
	// lifetime of the process.
	TickInterval time.Duration

	// StaleClaimAfter releases claims left behind by a crash between claim
	// and send. Must comfortably exceed one tick's worth of sends.
	StaleClaimAfter time.Duration

	// Mention is the role/target string prepended to the notification.
	Mention string

	// EventName names the announced event in the notification text.
	EventName string

	// LeadMinutes is referenced in the notification text; it mirrors the
	// scheduler's lead time.
	LeadMinutes int
}

// Service is the dispatch loop. Once per tick it claims every due, unfired
// alert in a single atomic store operation, sends a notification for each,
// and stamps fired_at. A failed send releases the claim so the alert retries
// on a later tick; success is terminal.
//
// Per alert the states are pending -> claimed -> fired, with claimed visible
// in the store so a crash mid-tick is recoverable via the stale-claim sweep.
type Service struct {
	store storage.Store
	sink  Sink
	log   logx.Logger

	// now is swappable so tests can drive virtual time.
	now func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	running bool
}

func New(cfg Config, store storage.Store, sink Sink, log logx.Logger) *Service {
	applyDefaults(&cfg)
	return &Service{
		store: store,
		sink:  sink,
		log:   log,
		now:   time.Now,
		cfg:   cfg,
	}
}

func applyDefaults(cfg *Config) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = time.Minute
	}
	if cfg.EventName == "" {
		cfg.EventName = "World Boss"
	}
}

// Apply updates the hot-reloadable knobs (mention, event name, lead,
// stale window). The tick interval is fixed; changes to it are ignored
// here. An unset stale window keeps the current one rather than snapping
// back to the default.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	cfg.TickInterval = s.cfg.TickInterval
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = s.cfg.StaleClaimAfter
	}
	applyDefaults(&cfg)
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	// SkipIfStillRunning keeps ticks from overlapping: a new claim cycle
	// never starts while a prior cycle's sends are outstanding.
	clog := cronLogger{log: s.log}
	s.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)))
	spec := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	if _, err := s.c.AddFunc(spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("register dispatch tick: %w", err)
	}
	s.c.Start()
	s.running = true
	s.log.Info("dispatch loop started", logx.Duration("tick", s.cfg.TickInterval))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	running := s.running
	s.running = false
	s.mu.Unlock()

	if !running || c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("dispatch loop stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch loop stop cancelled", logx.Err(ctx.Err()))
	}
}

// RunOnce executes a single dispatch tick. Exported so tests can drive
// deterministic ticks without waiting on the real timer.
func (s *Service) RunOnce(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.now()

	if n, err := s.store.ReleaseStale(ctx, now.Add(-cfg.StaleClaimAfter)); err != nil {
		s.log.Warn("stale claim sweep failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("released stale claims", logx.Int64("count", n))
	}

	alerts, err := s.store.ClaimDue(ctx, now)
	if err != nil {
		// Transient store errors end the tick; due alerts stay pending and
		// the next tick retries them.
		s.log.Error("claim due alerts failed", logx.Err(err))
		return
	}
	if len(alerts) == 0 {
		return
	}
	s.log.Debug("claimed due alerts", logx.Int("count", len(alerts)))

	for _, a := range alerts {
		// One bad alert must not stop the rest of the batch.
		s.fire(ctx, cfg, a)
	}
}

func (s *Service) fire(ctx context.Context, cfg Config, a storage.Alert) {
	alog := s.log.With(logx.Int64("alert_id", a.ID), logx.String("source_event_id", a.SourceEventID))

	target, err := resolveTarget(a.Destination)
	if err != nil {
		alog.Error("bad alert destination", logx.String("destination", a.Destination), logx.Err(err))
		s.release(ctx, alog, a.ID)
		return
	}

	text := fmt.Sprintf("⏰ %s %s spawning in %d minutes!", cfg.Mention, cfg.EventName, cfg.LeadMinutes)
	if err := s.sink.Send(ctx, target, text); err != nil {
		// Release for retry next tick. A lost alert is worse than an
		// occasional duplicate notification.
		alog.Warn("alert send failed; releasing claim", logx.Err(err))
		s.release(ctx, alog, a.ID)
		return
	}

	if err := s.store.MarkFired(ctx, a.ID, s.now()); err != nil {
		// The send succeeded, so the claim is NOT released here; the stale
		// sweep will eventually retry the mark path. Accepted at-least-once.
		alog.Error("mark fired failed after successful send", logx.Err(err))
		return
	}
	alog.Info("alert fired", logx.Int64("chat_id", target.ChatID))
}

func (s *Service) release(ctx context.Context, alog logx.Logger, id int64) {
	if err := s.store.ReleaseClaim(ctx, id); err != nil {
		alog.Error("release claim failed", logx.Err(err))
	}
}

func resolveTarget(destination string) (kit.ChatTarget, error) {
	id, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("destination %q is not a chat id: %w", destination, err)
	}
	return kit.ChatTarget{ChatID: id}, nil
}

// cronLogger adapts logx to the cron logger interface.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
