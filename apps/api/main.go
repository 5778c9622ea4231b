package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/damien-schneider/reflect-os/contracts"
	sqlassets "github.com/damien-schneider/reflect-os/database"
	billinghandler "github.com/damien-schneider/reflect-os/domains/billing/be/handler"
	"github.com/damien-schneider/reflect-os/domains/billing/be/provider"
	billingservice "github.com/damien-schneider/reflect-os/domains/billing/be/service"
	limits "github.com/damien-schneider/reflect-os/domains/limits/be/service"
	mutationshandler "github.com/damien-schneider/reflect-os/domains/mutations/be/handler"
	"github.com/damien-schneider/reflect-os/domains/mutations/be/replay"
	"github.com/damien-schneider/reflect-os/domains/mutations/be/server"
	"github.com/damien-schneider/reflect-os/domains/mutations/be/shared"
	"github.com/damien-schneider/reflect-os/domains/permissions/be/rules"
	querieshandler "github.com/damien-schneider/reflect-os/domains/queries/be/handler"
	queriesregistry "github.com/damien-schneider/reflect-os/domains/queries/be/registry"
	queriesservice "github.com/damien-schneider/reflect-os/domains/queries/be/service"
	platformlogging "github.com/damien-schneider/reflect-os/platform/go/logging"
	"github.com/damien-schneider/reflect-os/platform/go/persistence"
	"github.com/damien-schneider/reflect-os/platform/go/ratelimit"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
	platformstorage "github.com/damien-schneider/reflect-os/platform/go/storage"
	"github.com/damien-schneider/reflect-os/platform/go/tasks"
	"github.com/damien-schneider/reflect-os/platform/go/telemetry"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	DatabaseURL        string        `env:"DATABASE_URL"` // empty runs on the in-memory store (local development only)
	ApplySchema        bool          `env:"APPLY_SCHEMA" envDefault:"false"`
	DBMaxConns         int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	DBStatementTimeout time.Duration `env:"DATABASE_STATEMENT_TIMEOUT" envDefault:"5s"`
	DBLockTimeout      time.Duration `env:"DATABASE_LOCK_TIMEOUT" envDefault:"2s"`

	AuthProvider        string `env:"AUTH_PROVIDER" envDefault:"firebase"` // firebase | jwks | hmac | dev
	AuthHMACSecret      string `env:"AUTH_HMAC_SECRET"`
	AuthJWKSURL         string `env:"AUTH_JWKS_URL"`
	AuthIssuer          string `env:"AUTH_ISSUER"`
	FirebaseCredentials string `env:"FIREBASE_CONFIG"`
	FirebaseProjectID   string `env:"GCLOUD_PROJECT"`
	SessionCookieName   string `env:"SESSION_COOKIE_NAME" envDefault:"reflect.session_token"`
	SessionCookieSecret string `env:"SESSION_COOKIE_SECRET"`

	BillingAPIURL        string            `env:"BILLING_API_URL" envDefault:"https://api.polar.sh"`
	BillingAccessToken   string            `env:"BILLING_ACCESS_TOKEN"`
	BillingWebhookSecret string            `env:"BILLING_WEBHOOK_SECRET"`
	BillingProductTiers  map[string]string `env:"BILLING_PRODUCT_TIERS"` // product_id:tier,...
	CheckoutSuccessURL   string            `env:"CHECKOUT_SUCCESS_URL"`
	ReconcileCooldown    time.Duration     `env:"RECONCILE_COOLDOWN" envDefault:"10s"`
	RedisURL             string            `env:"REDIS_URL"`

	ArchiveBackend  string `env:"ARCHIVE_BACKEND" envDefault:"none"` // gcs | local | none
	ArchiveBucket   string `env:"ARCHIVE_BUCKET"`                    // required when ARCHIVE_BACKEND=gcs
	ArchivePrefix   string `env:"ARCHIVE_PREFIX" envDefault:"billing"`
	ArchiveLocalDir string `env:"ARCHIVE_LOCAL_DIR" envDefault:"./.data/archive"`

	TaskWorkers int `env:"TASK_WORKERS" envDefault:"2"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init api", zap.Error(err))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	a.close(shutdownCtx)
}

// app is the wired API. close releases background workers and connections.
type app struct {
	handler http.Handler
	logger  *zap.Logger
	queue   *tasks.Queue
	closers []func()
}

func newApp(ctx context.Context, cfg config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(ctx)
		}
	}()

	store, ready, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	verify, err := buildTokenVerifier(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}
	authMiddleware := buildAuthMiddleware(verify, persistence.NewSessionStore(store), cfg.SessionCookieName, cfg.SessionCookieSecret)

	doc, err := contracts.Load(ctx)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.GetMetrics()
	engine, err := rules.NewEngine(sqlassets.Schema(), rules.Default())
	if err != nil {
		return nil, fmt.Errorf("init permission rules: %w", err)
	}
	gate := limits.NewGate(limits.DefaultLimits(), metrics)

	mutators, err := server.NewRegistry(shared.New(time.Now), engine, gate)
	if err != nil {
		return nil, fmt.Errorf("init mutators: %w", err)
	}
	pushHandler := mutationshandler.New(replay.NewExecutor(mutators, store, metrics, logger), logger)

	queries, err := queriesregistry.New(sqlassets.Schema(), queriesregistry.Default()...)
	if err != nil {
		return nil, fmt.Errorf("init queries: %w", err)
	}
	queryHandler := querieshandler.New(queriesservice.New(queries, store, engine, metrics), logger)

	a.queue = tasks.NewQueue(tasks.Config{Workers: cfg.TaskWorkers}, logger)
	a.queue.Start()

	archive, err := a.openArchive(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var verifier *billingservice.Verifier
	if cfg.BillingWebhookSecret != "" {
		if verifier, err = billingservice.NewVerifier(cfg.BillingWebhookSecret, billingservice.DefaultTolerance); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("BILLING_WEBHOOK_SECRET not set; webhook deliveries will be rejected")
	}

	productTiers := make(map[string]limits.Tier, len(cfg.BillingProductTiers))
	for productID, tier := range cfg.BillingProductTiers {
		productTiers[productID] = limits.ParseTier(tier)
	}

	billing, err := billingservice.New(billingservice.Config{
		Store: store,
		Provider: provider.NewClient(provider.Config{
			BaseURL:     cfg.BillingAPIURL,
			AccessToken: cfg.BillingAccessToken,
		}),
		Verifier:     verifier,
		Cooldown:     a.openCooldown(ctx, cfg),
		Queue:        a.queue,
		Archive:      archive,
		Metrics:      metrics,
		Logger:       logger,
		ProductTiers: productTiers,
		SuccessURL:   cfg.CheckoutSuccessURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init billing: %w", err)
	}

	a.handler = newRouter(routerDeps{
		Logger:         logger,
		Doc:            doc,
		Auth:           authMiddleware,
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Ready:          ready,
		Push:           pushHandler,
		Query:          queryHandler,
		Billing:        billinghandler.New(billing, logger),
	})
	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg config) (rowstore.Store, func(context.Context) error, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		a.logger.Warn("DATABASE_URL not set; using the in-memory store")
		return rowstore.NewMemoryStore(sqlassets.Schema()), nil, nil
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:       cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		StatementTimeout: cfg.DBStatementTimeout,
		LockTimeout:      cfg.DBLockTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init postgres pool: %w", err)
	}
	a.closers = append(a.closers, func() { persistence.ClosePool(pool) })

	if cfg.ApplySchema {
		if err := persistence.ApplySchema(ctx, pool); err != nil {
			return nil, nil, err
		}
	}
	return persistence.NewRowStore(pool, sqlassets.Schema()), pool.Ping, nil
}

func (a *app) openCooldown(ctx context.Context, cfg config) ratelimit.Cooldown {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemory(cfg.ReconcileCooldown)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		a.logger.Warn("invalid REDIS_URL; using in-process cooldowns", zap.Error(err))
		return ratelimit.NewMemory(cfg.ReconcileCooldown)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis unreachable at startup; cooldowns fall back per request", zap.Error(err))
	}
	return ratelimit.NewRedis(client, cfg.ReconcileCooldown)
}

func (a *app) openArchive(ctx context.Context, cfg config) (platformstorage.Archive, error) {
	switch cfg.ArchiveBackend {
	case "gcs":
		if cfg.ArchiveBucket == "" {
			return nil, errors.New("ARCHIVE_BUCKET required when ARCHIVE_BACKEND=gcs")
		}
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return platformstorage.NewGCSArchive(client, cfg.ArchiveBucket, cfg.ArchivePrefix), nil
	case "local":
		if strings.TrimSpace(cfg.ArchiveLocalDir) == "" {
			return nil, errors.New("ARCHIVE_LOCAL_DIR required when ARCHIVE_BACKEND=local")
		}
		return platformstorage.NewLocalArchive(cfg.ArchiveLocalDir), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid ARCHIVE_BACKEND %q (use gcs, local or none)", cfg.ArchiveBackend)
	}
}

func (a *app) close(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Stop(ctx); err != nil {
			a.logger.Warn("task queue did not drain", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
