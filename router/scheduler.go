package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/keyrouter/keypool"
)

// resetScheduler drives the daily quota reset: a catch-up pass at startup
// covers resets missed while the process was down, then a timer loop fires
// at every UTC midnight.
type resetScheduler struct {
	router *Router

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newResetScheduler(r *Router) *resetScheduler {
	return &resetScheduler{router: r}
}

func (s *resetScheduler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	// Catch up synchronously so the first Acquire never sees yesterday's
	// exhausted counters.
	s.router.resetDue(keypool.DayUTC(s.router.now()))

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *resetScheduler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *resetScheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		now := s.router.now()
		timer := time.NewTimer(nextMidnightUTC(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.router.resetDue(keypool.DayUTC(s.router.now()))
		}
	}
}

// resetDue resets every pool whose last reset predates day. Idempotent:
// pools already on the current day are untouched.
func (r *Router) resetDue(day time.Time) {
	reset := 0
	for _, pool := range r.pools {
		if pool.NeedsReset(day) {
			pool.Reset(day)
			reset++
		}
	}
	if reset > 0 {
		r.collector.RecordReset()
		r.logger.Info("daily quota reset",
			zap.Int("pools", reset),
			zap.Time("day", day))
	}
}

// nextMidnightUTC returns the first UTC midnight strictly after now.
func nextMidnightUTC(now time.Time) time.Time {
	return keypool.DayUTC(now).Add(24 * time.Hour)
}
