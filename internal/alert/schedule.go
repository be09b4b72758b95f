package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bossbot/internal/storage"
	"bossbot/pkg/logx"
)

// Scheduler turns a detected countdown into a durable alert record.
//
// The alert is written to fire leadMinutes before the announced event, but
// never in the past: a countdown shorter than the lead clamps to "due now".
// Inserts are idempotent on the source event id, so re-delivered events are
// silent no-ops.
type Scheduler struct {
	store storage.Store
	log   logx.Logger

	mu   sync.Mutex
	lead int
}

func NewScheduler(store storage.Store, leadMinutes int, log logx.Logger) *Scheduler {
	if leadMinutes < 0 {
		leadMinutes = 0
	}
	return &Scheduler{store: store, lead: leadMinutes, log: log}
}

// LeadMinutes returns the currently configured lead time.
func (s *Scheduler) LeadMinutes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lead
}

// SetLeadMinutes updates the lead time (config hot-reload). Alerts already
// stored keep their original run_at.
func (s *Scheduler) SetLeadMinutes(lead int) {
	if lead < 0 {
		lead = 0
	}
	s.mu.Lock()
	s.lead = lead
	s.mu.Unlock()
}

func (s *Scheduler) Schedule(ctx context.Context, sourceEventID, destination string, detectedMinutes int, now time.Time) error {
	lead := s.LeadMinutes()
	delay := detectedMinutes - lead
	if delay < 0 {
		delay = 0
	}
	runAt := now.Add(time.Duration(delay) * time.Minute)

	inserted, err := s.store.InsertIfAbsent(ctx, storage.Alert{
		SourceEventID: sourceEventID,
		Destination:   destination,
		RunAt:         runAt.UnixMilli(),
		CreatedAt:     now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if !inserted {
		s.log.Debug("alert already scheduled", logx.String("source_event_id", sourceEventID))
		return nil
	}
	s.log.Info("alert scheduled",
		logx.String("source_event_id", sourceEventID),
		logx.Int("countdown_min", detectedMinutes),
		logx.Int("fire_in_min", delay),
		logx.Time("run_at", runAt),
	)
	return nil
}
