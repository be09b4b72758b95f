package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "bossbot/internal/transport"
	"bossbot/pkg/logx"
)

type Config struct {
	RatePerSec  int           // platform flood control; defaults to 1
	SendTimeout time.Duration // per-send bound; defaults to 10s
}

// Service is the notification sink: a thin, rate-limited wrapper around the
// platform adapter. Every send is bounded by a timeout; a timed-out send is
// reported as a failure so the dispatcher can release the alert for retry.
type Service struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	s := &Service{adapter: adapter, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Send(ctx context.Context, to kit.ChatTarget, text string) error {
	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := s.adapter.SendText(callCtx, to, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		s.log.Warn("notification send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		return err
	}
	s.log.Debug("notification sent", logx.Int64("chat_id", to.ChatID))
	return nil
}
