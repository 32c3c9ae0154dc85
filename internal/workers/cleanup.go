package workers

import (
	"context"
	"time"

	"github.com/meridianpay/gateway/internal/storage"
	"github.com/rs/zerolog"
)

// CleanupConfig configures the reservation-cleanup worker.
type CleanupConfig struct {
	Interval        time.Duration // How often to sweep for expired reservations (default: 1m)
	ReservationTTL  time.Duration // How long an unconverted reservation is held before release (default: 15m)
}

// DefaultCleanupConfig returns sensible defaults.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:       time.Minute,
		ReservationTTL: 15 * time.Minute,
	}
}

// CleanupWorker releases inventory reservations (e.g. items held in a
// checkout session) that were never converted into a completed order,
// returning the reserved quantity to available stock.
type CleanupWorker struct {
	store  storage.CommerceStore
	cfg    CleanupConfig
	logger zerolog.Logger

	cancel   context.CancelFunc
	doneChan chan struct{}
}

// NewCleanupWorker builds a CleanupWorker. store may be nil if the active
// backend doesn't implement storage.CommerceStore, in which case Start is
// a no-op.
func NewCleanupWorker(store storage.CommerceStore, cfg CleanupConfig, logger zerolog.Logger) *CleanupWorker {
	if cfg.Interval <= 0 {
		cfg = DefaultCleanupConfig()
	}
	return &CleanupWorker{store: store, cfg: cfg, logger: logger}
}

// Start begins the sweep loop.
func (w *CleanupWorker) Start(ctx context.Context) {
	if w.store == nil {
		w.logger.Info().Msg("cleanup worker: no commerce store configured, skipping")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.doneChan = make(chan struct{})
	go w.run(runCtx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (w *CleanupWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.doneChan
}

func (w *CleanupWorker) run(ctx context.Context) {
	defer close(w.doneChan)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.cfg.Interval).Msg("cleanup worker: started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("cleanup worker: stopping")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.ReservationTTL)
	released, err := w.store.ReleaseExpiredReservations(ctx, cutoff)
	if err != nil {
		w.logger.Error().Err(err).Msg("cleanup worker: release expired reservations failed")
		return
	}
	if released > 0 {
		w.logger.Info().Int64("released", released).Msg("cleanup worker: released expired reservations")
	}
}
