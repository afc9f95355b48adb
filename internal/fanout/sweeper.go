package fanout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"isca-tracker/internal/state"
)

// Sweeper drops notifications past their 24 hour presentation lifetime
// from the entity store, once at connect time and hourly thereafter.
// This is a local display policy: the authoritative persisted copy is
// never purged by it.
type Sweeper struct {
	store    *state.Store
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(store *state.Store, log *zap.Logger) *Sweeper {
	return &Sweeper{store: store, interval: time.Hour, log: log}
}

func (s *Sweeper) Run(ctx context.Context) {
	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	if dropped := s.store.DropExpiredNotifications(time.Now()); dropped > 0 {
		s.log.Debug("expired notifications swept", zap.Int("dropped", dropped))
	}
}
