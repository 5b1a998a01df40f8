package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/api"
	"github.com/lvonguyen/secmon/internal/api/gateway"
	"github.com/lvonguyen/secmon/internal/config"
	"github.com/lvonguyen/secmon/internal/dispatch"
	"github.com/lvonguyen/secmon/internal/environment"
	"github.com/lvonguyen/secmon/internal/ingestion"
	"github.com/lvonguyen/secmon/internal/ledger"
	"github.com/lvonguyen/secmon/internal/maintenance"
	"github.com/lvonguyen/secmon/internal/monitor"
	"github.com/lvonguyen/secmon/internal/notify"
	"github.com/lvonguyen/secmon/internal/observability"
	"github.com/lvonguyen/secmon/internal/rules"
	"github.com/lvonguyen/secmon/internal/store"
)

const taskRateLimitSweep = "ratelimit-sweep"

// app owns every long-lived component of a running service.
type app struct {
	cfg       *config.Config
	tel       *observability.Telemetry
	logger    *zap.Logger
	store     store.Store
	redis     *redis.Client
	nats      *nats.Conn
	webhook   *notify.Webhook
	svc       *monitor.Service
	limiter   *gateway.RateLimiter
	scheduler *maintenance.Scheduler
	server    *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) (_ *app, err error) {
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.store, err = openStore(ctx, cfg.Store, a.logger)
	if err != nil {
		return nil, err
	}

	active, err := loadRules(cfg.Rules.Files)
	if err != nil {
		return nil, err
	}
	engine, err := rules.NewEngine(a.store, active, rules.EngineOptions{
		Lookback:       cfg.Rules.HistoryLookback,
		HistoryLimit:   cfg.Rules.HistoryLimit,
		HistoryTimeout: cfg.Rules.HistoryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build rule engine: %w", err)
	}

	a.svc, err = monitor.New(monitor.Options{
		Store: a.store,
		Ledger: ledger.New(ledger.Options{
			Weight:      cfg.Monitor.LedgerWeight,
			DecayFactor: cfg.Monitor.LedgerDecay,
			Floor:       cfg.Monitor.LedgerFloor,
		}),
		Engine: engine,
		Dispatcher: dispatch.New(a.store, dispatch.Options{
			BlockDuration: cfg.Monitor.BlockDuration,
			Logger:        a.logger.Named("dispatch"),
		}),
		Environment: environment.Static{
			Host:  cfg.Telemetry.ServiceName,
			Agent: "secmon/" + Version,
		},
		Logger:          a.logger.Named("monitor"),
		Metrics:         tel.Metrics(),
		Tracer:          tel.Tracer(),
		Workers:         cfg.Monitor.Workers,
		BufferRetention: cfg.Monitor.BufferRetention,
		BufferPerActor:  cfg.Monitor.BufferPerActor,
		StoreTimeout:    cfg.Monitor.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if perr := a.redis.Ping(ctx).Err(); perr != nil {
			a.logger.Warn("Redis unavailable, rate limits use local windows until it recovers", zap.Error(perr))
		}
	}

	rl := cfg.Gateway.RateLimit
	if rl.Enabled {
		endpoints := make(map[string]gateway.Limit, len(rl.Endpoints))
		for path, l := range rl.Endpoints {
			endpoints[path] = gateway.Limit{Window: l.Window, MaxRequests: l.MaxRequests}
		}
		var rc redis.UniversalClient
		if a.redis != nil {
			rc = a.redis
		}
		a.limiter = gateway.NewRateLimiter(rc, gateway.RateLimitConfig{
			Window:         rl.Window,
			MaxRequests:    rl.MaxRequests,
			KeyPrefix:      rl.KeyPrefix,
			Endpoints:      endpoints,
			IncludeHeaders: true,
		}, gateway.NewMonitorReporter(a.svc), a.logger.Named("ratelimit"), tel.Metrics())
	}

	if cfg.NATS.Enabled {
		a.nats, err = notify.Connect(notify.ConnConfig{
			URL:     cfg.NATS.URL,
			Name:    cfg.Telemetry.ServiceName,
			Token:   cfg.NATS.Token(),
			Timeout: cfg.NATS.ConnectWait,
		}, a.logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		pub := notify.NewPublisher(a.nats, cfg.NATS.SubjectPrefix, a.logger.Named("notify"), tel.Metrics())
		a.svc.OnSecurityAlert(pub.Handle)
	}

	if cfg.Webhook.URL != "" {
		// Throttled deliveries are not reported to the monitor.
		var rc redis.UniversalClient
		if a.redis != nil {
			rc = a.redis
		}
		outbound := gateway.NewRateLimiter(rc, gateway.RateLimitConfig{
			Window:      cfg.Webhook.RateLimit.Window,
			MaxRequests: cfg.Webhook.RateLimit.MaxRequests,
			KeyPrefix:   "secmon:webhook:",
		}, nil, a.logger.Named("webhook"), tel.Metrics())
		client := gateway.NewClient(gateway.ClientOptions{
			HTTPClient: &http.Client{Timeout: cfg.Webhook.Timeout},
			Limiter:    outbound,
			Retry: gateway.RetryPolicy{
				MaxAttempts: cfg.Gateway.Retry.MaxAttempts,
				BaseDelay:   cfg.Gateway.Retry.BaseDelay,
				MaxDelay:    cfg.Gateway.Retry.MaxDelay,
			},
			Logger:  a.logger.Named("webhook"),
			Metrics: tel.Metrics(),
		})
		a.webhook = notify.NewWebhook(client, cfg.Webhook.URL, cfg.Webhook.ClientID, cfg.Webhook.Timeout,
			a.logger.Named("webhook"), tel.Metrics())
		a.svc.OnSecurityAlert(a.webhook.Handle)
	}

	a.scheduler = maintenance.New(a.logger.Named("maintenance"), tel.Metrics())
	if err := a.registerTasks(); err != nil {
		return nil, err
	}

	var hec http.Handler
	if cfg.HEC.Enabled {
		hec = ingestion.NewHECReceiver(ingestion.ReceiverConfig{
			TokenEnv:     cfg.HEC.TokenEnv,
			MaxBatchSize: cfg.HEC.MaxBatchSize,
			MaxEventSize: cfg.HEC.MaxEventSize,
		}, a.svc, a.logger.Named("hec")).Routes()
		a.logger.Info("HEC receiver enabled", zap.String("path", "/services/collector"))
	}

	router := api.NewServer(api.Options{
		Monitor:        a.svc,
		Limiter:        a.limiter,
		MetricsHandler: tel.MetricsHandler(),
		HEC:            hec,
		Logger:         a.logger.Named("api"),
		Metrics:        tel.Metrics(),
		Version:        Version,
		TrustProxy:     cfg.Server.TrustProxy,
		RequestTimeout: cfg.Server.WriteTimeout,
	})
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return a, nil
}

func (a *app) registerTasks() error {
	m := a.cfg.Maintenance
	if err := a.scheduler.Register(maintenance.TaskHistoryPrune, m.PruneInterval, a.svc.PruneBuffer); err != nil {
		return err
	}
	if err := a.scheduler.Register(maintenance.TaskLedgerDecay, m.DecayInterval, a.svc.DecayLedger); err != nil {
		return err
	}
	if a.limiter != nil {
		sweep := func(ctx context.Context) error {
			_, err := a.limiter.SweepLocal(ctx)
			return err
		}
		if err := a.scheduler.Register(taskRateLimitSweep, a.cfg.Gateway.RateLimit.Window, sweep); err != nil {
			return err
		}
	}
	return nil
}

// run serves until ctx ends, then shuts everything down.
func (a *app) run(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.tel.StartSystemMetricsCollector(ctx, a.cfg.Telemetry.MetricsInterval)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case serveErr = <-errCh:
		a.logger.Error("Server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.shutdown(shutdownCtx))
}

// shutdown stops intake first, then drains the pipeline, then closes backends.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.scheduler.Stop()
	if err := a.svc.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("monitor drain: %w", err))
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *app) closeResources() {
	if a.svc != nil {
		_ = a.svc.Close(context.Background())
	}
	if a.webhook != nil {
		a.webhook.Wait()
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close event store", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendFirestore:
		s, err := store.NewFirestoreStore(ctx, cfg.Firestore.ProjectID, cfg.Firestore.CollectionPrefix)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Firestore event store", zap.String("project_id", cfg.Firestore.ProjectID))
		return s, nil
	case config.BackendPostgres:
		dsn := cfg.Postgres.DSN()
		if dsn == "" {
			return nil, fmt.Errorf("environment variable %s is empty", cfg.Postgres.DSNEnv)
		}
		s, err := store.NewPostgresStore(ctx, dsn, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("Using Postgres event store")
		return s, nil
	default:
		logger.Info("Using in-memory event store")
		return store.NewMemoryStore(), nil
	}
}
