package meridian

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/meridianpay/gateway/internal/callbacks"
	"github.com/meridianpay/gateway/internal/circuitbreaker"
	"github.com/meridianpay/gateway/internal/config"
	"github.com/meridianpay/gateway/internal/coupons"
	"github.com/meridianpay/gateway/internal/credits"
	"github.com/meridianpay/gateway/internal/httpserver"
	"github.com/meridianpay/gateway/internal/httputil"
	"github.com/meridianpay/gateway/internal/idempotency"
	"github.com/meridianpay/gateway/internal/lifecycle"
	"github.com/meridianpay/gateway/internal/logger"
	"github.com/meridianpay/gateway/internal/metrics"
	"github.com/meridianpay/gateway/internal/paywall"
	"github.com/meridianpay/gateway/internal/products"
	solanaKeypair "github.com/meridianpay/gateway/internal/solana"
	"github.com/meridianpay/gateway/internal/storage"
	stripesvc "github.com/meridianpay/gateway/internal/stripe"
	"github.com/meridianpay/gateway/internal/subscriptions"
	"github.com/meridianpay/gateway/internal/workers"
	"github.com/meridianpay/gateway/pkg/x402"
	"github.com/meridianpay/gateway/pkg/x402/solana"
	"github.com/prometheus/client_golang/prometheus"
)

// App wires the Meridian paywall components for reuse or standalone serving.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Verifier         x402.Verifier
	Notifier         callbacks.Notifier
	Paywall          *paywall.Service
	Stripe           *stripesvc.Client
	CartService      *stripesvc.CartService // NEW: Cart service for multi-item checkouts
	Coupons          coupons.Repository     // NEW: Coupon repository
	IdempotencyStore *idempotency.MemoryStore
	Breaker          *circuitbreaker.Manager
	Credits          *credits.Service // Optional internal credits rail; nil when not configured
	Workers          *workers.Supervisor
	Subscriptions    *subscriptions.Service

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	notifier callbacks.Notifier
	verifier x402.Verifier
	router   chi.Router
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNotifier injects a payment callback notifier.
func WithNotifier(notifier callbacks.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithVerifier injects a custom x402 verifier (responsible for validation and settlement).
func WithVerifier(verifier x402.Verifier) Option {
	return func(o *options) {
		o.verifier = verifier
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// NewApp assembles Meridian paywall services for embedding.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("meridian: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	if optState.store != nil {
		app.Store = optState.store
	} else {
		app.Store = storage.NewMemoryStore()
		app.resourceManager.Register("storage", app.Store)
		log.Warn().
			Msg("meridian: defaulting to in-memory store â€“ do not use this backend in production")
	}

	// Initialize Prometheus metrics collector (needed for callback notifier)
	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = metricsCollector

	// Bulkhead every external dependency behind its own circuit breaker so a
	// degraded Stripe, Solana RPC, webhook endpoint, or credits ledger can't
	// cascade into the others.
	app.Breaker = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	if optState.notifier != nil {
		app.Notifier = optState.notifier
	} else {
		// Convert config retry settings to callbacks.RetryConfig
		retryConfig := callbacks.RetryConfig{
			MaxAttempts:     cfg.Callbacks.Retry.MaxAttempts,
			InitialInterval: cfg.Callbacks.Retry.InitialInterval.Duration,
			MaxInterval:     cfg.Callbacks.Retry.MaxInterval.Duration,
			Multiplier:      cfg.Callbacks.Retry.Multiplier,
			Timeout:         cfg.Callbacks.Timeout.Duration,
		}

		if cfg.Callbacks.DLQEnabled {
			// File-backed DLQ requires the fire-and-forget retryable client;
			// the persistent queue keeps its own DLQ state in storage instead.
			dlqStore, err := callbacks.NewFileDLQStore(cfg.Callbacks.DLQPath)
			if err != nil {
				return nil, fmt.Errorf("init DLQ store: %w", err)
			}
			app.Notifier = callbacks.NewRetryableClient(cfg.Callbacks,
				callbacks.WithRetryConfig(retryConfig),
				callbacks.WithMetrics(metricsCollector),
				callbacks.WithDLQStore(dlqStore),
				callbacks.WithBreaker(app.Breaker),
			)
		} else {
			// Persistent queue backing gives webhook delivery guarantees
			// across restarts, per-tenant HMAC signing, and circuit-breaker
			// bulkheading on top of the storage-backed DLQ.
			client := callbacks.NewPersistentCallbackClient(callbacks.PersistentCallbackOptions{
				Store:       app.Store,
				Config:      cfg.Callbacks,
				RetryConfig: retryConfig,
				Logger:      log.Logger,
				Metrics:     metricsCollector,
				Breaker:     app.Breaker,
			})
			if client != nil {
				app.Notifier = client
				app.resourceManager.RegisterFunc("webhook-queue", client.Close)
			} else {
				app.Notifier = callbacks.NoopNotifier{}
			}
		}
	}

	var verifier *solana.SolanaVerifier
	if optState.verifier != nil {
		app.Verifier = optState.verifier
	} else {
		var err error
		verifier, err = solana.NewSolanaVerifier(cfg.X402.RPCURL, cfg.X402.WSURL)
		if err != nil {
			return nil, err
		}
		verifier.WithMetrics(metricsCollector, cfg.X402.Network)
		if cfg.X402.GaslessEnabled {
			verifier.EnableGasless()
		}
		if cfg.X402.AutoCreateTokenAccount {
			verifier.EnableAutoCreateTokenAccounts()
		}
		if cfg.X402.TxQueueMaxInFlight > 0 {
			verifier.SetupTxQueue(cfg.X402.TxQueueMinTimeBetween.Duration, cfg.X402.TxQueueMaxInFlight)
			app.resourceManager.RegisterFunc("solana-tx-queue", func() error {
				verifier.ShutdownTxQueue()
				return nil
			})
		}
		if wallets, err := parseServerWallets(cfg.X402.ServerWalletKeys); err != nil {
			return nil, fmt.Errorf("parse server wallet keys: %w", err)
		} else if len(wallets) > 0 {
			verifier.SetServerWallets(wallets)
		}
		app.Verifier = verifier
		app.resourceManager.RegisterFunc("solana-verifier", func() error {
			verifier.Close()
			return nil
		})
	}

	// Initialize product repository based on config
	productRepository, err := products.NewRepository(cfg.Paywall)
	if err != nil {
		return nil, err
	}
	app.resourceManager.Register("product-repository", productRepository)

	// Initialize coupon repository based on config
	couponRepository, err := coupons.NewRepository(cfg.Coupons)
	if err != nil {
		return nil, err
	}
	app.resourceManager.Register("coupon-repository", couponRepository)

	// Use the metrics collector created earlier (for consistency across all services)
	app.Paywall = paywall.NewService(cfg, app.Store, app.Verifier, app.Notifier, productRepository, couponRepository, metricsCollector)
	app.Stripe = stripesvc.NewClient(cfg.Stripe, app.Store, app.Notifier, couponRepository, metricsCollector)

	// NEW: Create cart service for multi-item checkouts
	app.CartService = stripesvc.NewCartService(cfg.Stripe, app.Store, app.Notifier, couponRepository, metricsCollector)

	// NEW: Store coupon repository in app
	app.Coupons = couponRepository

	// Subscriptions: recurring Stripe-billed access, backed by the configured
	// repository (in-memory unless a caller supplies one via RegisterRoutes'
	// storage wiring in a future revision).
	subRepo, err := subscriptions.NewRepository(subscriptions.RepositoryConfig{Backend: "memory"})
	if err != nil {
		return nil, fmt.Errorf("init subscription repository: %w", err)
	}
	subscriptionsSvc := subscriptions.NewService(subRepo, 72)
	app.Subscriptions = subscriptionsSvc

	// Credits rail: a sibling identity service issues RS256 JWTs redeemable
	// against a credits ledger. Disabled unless explicitly configured.
	var rdb *redis.Client
	if cfg.Credits.Enabled {
		if cfg.Credits.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.Credits.RedisAddr})
			app.resourceManager.Register("credits-redis", rdb)
		}

		timeout := cfg.Credits.Timeout.Duration
		if timeout <= 0 {
			timeout = 5 * time.Second
		}

		keySource := credits.NewKeySource(cfg.Credits.JWKSURL, httputil.NewClient(timeout), rdb)
		authenticator := credits.NewAuthenticator(keySource, cfg.Credits.Issuer, cfg.Credits.Audience)
		ledgerClient := credits.NewLedgerClient(cfg.Credits.LedgerBaseURL, httputil.NewClient(timeout), app.Breaker)

		if commerceStore, ok := app.Store.(storage.CommerceStore); ok {
			app.Credits = credits.NewService(authenticator, ledgerClient, commerceStore)
			app.Paywall.SetCreditsService(app.Credits)
		} else {
			log.Warn().Msg("meridian: credits rail enabled but storage backend doesn't implement CommerceStore, disabling")
		}
	}

	// Background workers: queue cleanup, archival, and wallet health/dispute
	// alerting all share one supervised lifecycle.
	var workerList []workers.Worker
	if commerceStore, ok := app.Store.(storage.CommerceStore); ok {
		workerList = append(workerList, workers.NewCleanupWorker(commerceStore, workers.DefaultCleanupConfig(), log.Logger))
	}
	if cfg.Storage.Archival.Enabled {
		archivalSvc := storage.NewArchivalService(app.Store, storage.ArchivalConfig{
			Enabled:         true,
			RetentionPeriod: cfg.Storage.Archival.RetentionPeriod.Duration,
			RunInterval:     cfg.Storage.Archival.RunInterval.Duration,
		}, metricsCollector, log.Logger)
		workerList = append(workerList, workers.NewArchivalWorker(archivalSvc))
	}
	if verifier != nil {
		if checker := verifier.GetHealthChecker(); checker != nil {
			workerList = append(workerList, workers.NewHealthWorker(checker, app.Notifier, rdb, log.Logger))
		}
	}
	app.Workers = workers.NewSupervisor(log.Logger, workerList...)
	app.Workers.Start(context.Background())
	app.resourceManager.RegisterFunc("workers", func() error {
		app.Workers.Stop()
		return nil
	})

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	// Create RPC proxy handlers for frontend endpoints
	rpcProxy := httpserver.NewRPCProxyHandlers(cfg)

	// Create shared idempotency store (single goroutine for cleanup)
	app.IdempotencyStore = idempotency.NewMemoryStore()

	// Register cleanup for idempotency store
	app.resourceManager.RegisterFunc("idempotency-store", func() error {
		app.IdempotencyStore.Stop()
		return nil
	})

	// Create logger for HTTP server
	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "meridian-pay-embedded",
		Environment: cfg.Logging.Environment,
	})

	httpserver.ConfigureRouter(app.router, cfg, app.Paywall, app.Stripe, app.Verifier, rpcProxy, app.CartService, app.Coupons, app.IdempotencyStore, metricsCollector, app.Subscriptions, appLogger)

	return app, nil
}

// parseServerWallets decodes configured base58 private keys into Solana
// keypairs. Used for gasless fee sponsorship and auto token-account
// creation; a key that fails to parse is a configuration error, not a
// runtime one, so it aborts startup rather than silently dropping a wallet.
func parseServerWallets(keys []string) ([]solana.PrivateKey, error) {
	wallets := make([]solana.PrivateKey, 0, len(keys))
	for _, k := range keys {
		key, err := solanaKeypair.ParsePrivateKey(k)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, key)
	}
	return wallets, nil
}

// Router returns the chi router with Meridian routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app (verifier, etc).
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches Meridian endpoints to the provided router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	// Create RPC proxy handlers for frontend endpoints
	rpcProxy := httpserver.NewRPCProxyHandlers(app.Config)

	// Create logger for HTTP server
	appLogger := logger.New(logger.Config{
		Level:       app.Config.Logging.Level,
		Format:      app.Config.Logging.Format,
		Service:     "meridian-pay-embedded",
		Environment: app.Config.Logging.Environment,
	})

	// Reuse the app's metrics collector (already registered in NewApp)
	collector := app.metricsCollector
	if collector == nil {
		collector = metrics.New(prometheus.DefaultRegisterer)
	}

	// Reuse the app's idempotency store (already created and managed by app lifecycle)
	httpserver.ConfigureRouter(router, app.Config, app.Paywall, app.Stripe, app.Verifier, rpcProxy, app.CartService, app.Coupons, app.IdempotencyStore, collector, app.Subscriptions, appLogger)
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding Meridian Pay.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
