package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianpay/gateway/internal/callbacks"
	"github.com/meridianpay/gateway/pkg/x402/solana"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// lowBalanceAlertWindow bounds how often a single wallet can trigger an
// alert: without it, a wallet sitting below CriticalBalance would page
// on-call once per HealthCheckInterval forever.
const lowBalanceAlertWindow = 24 * time.Hour

// HealthWorker wraps pkg/x402/solana.WalletHealthChecker, adding a
// distributed throttle so a critical-balance alert for a given wallet
// fires at most once per lowBalanceAlertWindow across all gateway
// replicas, not once per replica per check interval.
type HealthWorker struct {
	checker  *solana.WalletHealthChecker
	notifier callbacks.Notifier
	rdb      *redis.Client
	logger   zerolog.Logger
}

// NewHealthWorker builds a HealthWorker. rdb may be nil, in which case the
// throttle falls back to always-alert (no distributed dedup).
func NewHealthWorker(checker *solana.WalletHealthChecker, notifier callbacks.Notifier, rdb *redis.Client, logger zerolog.Logger) *HealthWorker {
	w := &HealthWorker{checker: checker, notifier: notifier, rdb: rdb, logger: logger}
	checker.SetCriticalCallback(w.onCritical)
	return w
}

// Start registers the critical-balance callback. The underlying checker's
// background loop is already running by the time a HealthWorker exists -
// SolanaVerifier.SetServerWallets starts it as soon as wallets are
// configured - so Start here only needs to fold the checker into the
// supervisor's Stop ordering.
func (w *HealthWorker) Start(ctx context.Context) {}

// Stop stops the underlying health checker.
func (w *HealthWorker) Stop() {
	w.checker.Stop()
}

func (w *HealthWorker) onCritical(health solana.WalletHealth) {
	ctx := context.Background()
	wallet := health.PublicKey.String()

	if !w.claimAlert(ctx, wallet) {
		return
	}

	w.logger.Warn().
		Str("wallet", wallet).
		Float64("balance", health.Balance).
		Msg("health worker: server wallet balance critical")

	// Piggyback on the dispute channel: this gateway has no separate
	// ops-alert notifier, and a critical wallet balance is exactly the
	// kind of event an on-call webhook consumer needs paged about.
	event := callbacks.DisputeEvent{
		EventType:          "wallet.balance_critical",
		DisputeID:          "wallet-" + wallet,
		OriginalPurchaseID: wallet,
		Reason:             fmt.Sprintf("server wallet balance %.6f SOL below critical threshold", health.Balance),
	}
	callbacks.PrepareDisputeEvent(&event)
	w.notifier.DisputeOpened(ctx, event)
}

// claimAlert reports whether this process won the right to send the alert
// for wallet, using Redis SETNX so exactly one replica alerts within the
// window. Falls back to always-true when Redis isn't configured.
func (w *HealthWorker) claimAlert(ctx context.Context, wallet string) bool {
	if w.rdb == nil {
		return true
	}
	key := "meridian:health:alerted:" + wallet
	ok, err := w.rdb.SetNX(ctx, key, "1", lowBalanceAlertWindow).Result()
	if err != nil {
		w.logger.Error().Err(err).Str("wallet", wallet).Msg("health worker: alert claim failed, alerting anyway")
		return true
	}
	return ok
}
