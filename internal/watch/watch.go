package watch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bossbot/internal/alert"
	kit "bossbot/internal/transport"
	"bossbot/pkg/logx"
)

type Config struct {
	// ChatID is the only chat whose messages are inspected.
	ChatID int64

	// Keyword marks the watched event class (default "world boss").
	Keyword string
}

// Scheduler is the slice of the alert scheduler the watcher needs.
type Scheduler interface {
	Schedule(ctx context.Context, sourceEventID, destination string, detectedMinutes int, now time.Time) error
}

// Service is the ingestion side of the pipeline: it consumes platform
// updates, runs the trigger detector over each message from the watched
// chat, and hands detected countdowns to the scheduler.
//
// Failures are strictly per-event: a store error drops that one event (the
// announcement bot repeats itself, and duplicates are deduplicated anyway),
// and nothing here can take the loop down.
type Service struct {
	sched Scheduler
	log   logx.Logger

	// now is swappable for tests.
	now func() time.Time

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, sched Scheduler, log logx.Logger) *Service {
	return &Service{sched: sched, log: log, now: time.Now, cfg: cfg}
}

// Apply updates the hot-reloadable keyword. The watched chat is fixed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	cfg.ChatID = s.cfg.ChatID
	s.cfg = cfg
	s.mu.Unlock()
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (s *Service) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			s.handle(ctx, up.Message)
		}
	}
}

func (s *Service) handle(ctx context.Context, m *kit.Message) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if m.ChatID != cfg.ChatID {
		return
	}

	text := alert.ComposeText(m)
	minutes, ok := alert.Detect(text, cfg.Keyword)
	if !ok {
		// Distinguish "not an announcement" from "announcement without a
		// readable countdown" for operators.
		if alert.ContainsKeyword(text, cfg.Keyword) {
			s.log.Warn("announcement without parseable countdown", logx.Int("message_id", m.ID))
		}
		return
	}

	sourceEventID := fmt.Sprintf("%d:%d", m.ChatID, m.ID)
	destination := strconv.FormatInt(m.ChatID, 10)

	if err := s.sched.Schedule(ctx, sourceEventID, destination, minutes, s.now()); err != nil {
		// Drop the event; the next repeated announcement reschedules it.
		s.log.Error("schedule alert failed", logx.String("source_event_id", sourceEventID), logx.Err(err))
	}
}
