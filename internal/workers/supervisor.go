// Package workers runs the gateway's background maintenance loops:
// inventory-reservation cleanup, payment-signature archival, server-wallet
// health monitoring, and dispute alerting. Each worker follows the same
// ticker-plus-context-cancellation shape as pkg/x402/solana.WalletHealthChecker.
package workers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Worker is a background loop that can be started and stopped cleanly.
type Worker interface {
	Start(ctx context.Context)
	Stop()
}

// Supervisor starts and stops a fixed set of workers together, so callers
// don't have to remember each worker's individual lifecycle calls.
type Supervisor struct {
	workers []Worker
	logger  zerolog.Logger
	mu      sync.Mutex
	started bool
}

// NewSupervisor builds a Supervisor over the given workers. A nil entry is
// skipped, so callers can conditionally include a worker without an extra
// if-statement at the call site.
func NewSupervisor(logger zerolog.Logger, workers ...Worker) *Supervisor {
	live := make([]Worker, 0, len(workers))
	for _, w := range workers {
		if w != nil {
			live = append(live, w)
		}
	}
	return &Supervisor{workers: live, logger: logger}
}

// Start launches every worker. Safe to call once; a second call is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, w := range s.workers {
		w.Start(ctx)
	}
	s.logger.Info().Int("workers", len(s.workers)).Msg("workers: supervisor started")
}

// Stop stops every worker in reverse start order.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	for i := len(s.workers) - 1; i >= 0; i-- {
		s.workers[i].Stop()
	}
	s.started = false
	s.logger.Info().Msg("workers: supervisor stopped")
}
