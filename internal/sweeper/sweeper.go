// Package sweeper runs the Storage Port's periodic expiry sweep (spec
// §4.2 "CleanupExpired", §6 "CLEANUP_INTERVAL_s"): a ticker loop that
// deletes expired cached messages and expired sessions. Grounded on
// the uncord-chat-uncord-server cmd/uncord main.go purge-goroutine
// pattern (ticker + immediate first run + context cancellation).
package sweeper

import (
	"context"
	"time"

	"github.com/fastport-io/fastport/internal/logging"
	"github.com/fastport-io/fastport/internal/storage"
)

// Clock is the minimal time source the sweeper needs; it is satisfied
// by internal/clock.Clock but declared narrowly so tests can supply a
// trivial stub without pulling in timer-handle machinery.
type Clock interface {
	Now() time.Time
}

// Sweeper periodically calls Storage.CleanupExpired.
type Sweeper struct {
	store    storage.Store
	clock    Clock
	interval time.Duration
	log      logging.Logger
}

// New constructs a Sweeper. An interval of 0 disables the loop (Run
// returns immediately); the spec treats sweeping as best-effort
// hygiene, not a correctness dependency.
func New(store storage.Store, clk Clock, interval time.Duration, log logging.Logger) *Sweeper {
	if log == nil {
		log = logging.Noop()
	}
	return &Sweeper{store: store, clock: clk, interval: interval, log: log}
}

// Run blocks, sweeping every interval until ctx is canceled. The first
// sweep happens immediately rather than waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	counts, err := s.store.CleanupExpired(ctx, s.clock.Now())
	if err != nil {
		s.log.Log(logging.LevelWarn, "sweeper.cleanup_failed", "err", err)
		return
	}
	if counts.MessagesDeleted > 0 || counts.SessionsDeleted > 0 {
		s.log.Log(logging.LevelInfo, "sweeper.swept",
			"messagesDeleted", counts.MessagesDeleted, "sessionsDeleted", counts.SessionsDeleted)
	}
}
