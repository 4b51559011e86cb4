package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/codelaboratoryltd/meridian/internal/api"
	"github.com/codelaboratoryltd/meridian/internal/audit"
	"github.com/codelaboratoryltd/meridian/internal/auth"
	"github.com/codelaboratoryltd/meridian/internal/notify"
	"github.com/codelaboratoryltd/meridian/internal/reconcile"
	"github.com/codelaboratoryltd/meridian/internal/store"
	"github.com/codelaboratoryltd/meridian/internal/telemetry"
)

func runServer(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Printf("Starting Meridian %s (%s)\n", BuildVersion, BuildCommit)

	tracerCfg := telemetry.DefaultTracerConfig()
	tracerCfg.Version = BuildVersion
	tracerCfg.Endpoint = cfg.OTelEndpoint
	tracerCfg.Insecure = cfg.OTelInsecure
	tracerCfg.SampleRatio = cfg.OTelSample
	shutdownTracer, err := telemetry.InitTracer(ctx, tracerCfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warnw("Tracer shutdown failed", "error", err)
		}
	}()

	a := newApp(cfg, prometheus.DefaultRegisterer)
	defer a.Close()

	if err := a.openAudit(); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openRedis(ctx); err != nil {
		return err
	}
	if err := a.buildReconcile(); err != nil {
		return err
	}
	if err := a.buildOutage(ctx); err != nil {
		return err
	}

	// Admin API authentication
	authCfg := auth.DefaultConfig()
	authCfg.JWTSecret = []byte(cfg.JWTSecret)
	authCfg.JWTIssuer = cfg.JWTIssuer
	authenticator, err := auth.NewAuthenticator(authCfg)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	opts := []api.Option{
		api.WithAudit(a.audit),
		api.WithReadinessCheck("monitoring", a.checkDatastore),
	}
	if a.db != nil {
		opts = append(opts, api.WithReadinessCheck("database", a.pingDatabase))
	}
	if a.redis != nil {
		opts = append(opts, api.WithReadinessCheck("redis", a.pingRedis))
	}
	if cfg.RateLimit > 0 {
		var limiter auth.Limiter = auth.NewMemoryLimiter(cfg.RateLimit, time.Minute)
		if a.redis != nil {
			limiter = auth.NewRedisLimiter(a.redis, "meridian:ratelimit:", cfg.RateLimit, time.Minute)
		}
		opts = append(opts, api.WithRateLimiter(limiter))
	}
	apiServer := api.NewServer(a.subs, a.provisioner, a.detector, opts...)

	router := mux.NewRouter()
	router.Use(audit.NewMiddleware(a.audit, func(r *http.Request) (string, string) {
		principal, err := authenticator.Authenticate(r)
		if err != nil || principal == nil {
			return "", ""
		}
		return principal.ID, "user"
	}).Handler)
	router.Use(auth.NewMiddleware(authenticator, func(r *http.Request, err error) {
		log.Warnw("Rejected API request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
	}).Handler)
	apiServer.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, "meridian-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsCfg := &auth.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, CAFile: cfg.TLSCA}
	if tlsCfg.Enabled() {
		httpServer.TLSConfig, err = tlsCfg.BuildTLSConfig()
		if err != nil {
			return err
		}
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Infow("Admin API listening", "addr", cfg.HTTPAddr, "tls", tlsCfg.Enabled())
		var err error
		if tlsCfg.Enabled() {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	go func() {
		log.Infow("Metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer a.sweeper.Stop()
	if err := a.detector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start outage detector: %w", err)
	}
	defer a.detector.Stop()

	fmt.Printf("Meridian ready: api=%s metrics=%s\n", cfg.HTTPAddr, cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	case runErr = <-errCh:
		fmt.Printf("Server error: %v\n", runErr)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	return runErr
}

// runWorker delivers notifications queued by the detector until it receives
// SIGINT or SIGTERM.
func runWorker(ctx context.Context, cfg Config) error {
	if cfg.RedisAddr == "" {
		return errors.New("worker requires --redis-addr")
	}
	if cfg.NotifyURL == "" {
		return errors.New("worker requires --notify-url")
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: cfg.CheckWorkers,
			Queues:      map[string]int{cfg.NotifyQueue: 1},
			Logger:      log,
		},
	)

	handlers := asynq.NewServeMux()
	handlers.Handle(notify.TaskTypeNotify, notify.TaskHandler(notify.NewWebhook(cfg.NotifyURL, cfg.NotifyToken, 10*time.Second)))

	log.Infow("Notification worker started", "queue", cfg.NotifyQueue, "concurrency", cfg.CheckWorkers)
	if err := srv.Run(handlers); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}

// runReconcile applies one customer's state and prints the result. A result
// with failed steps is an error so scripts can detect it.
func runReconcile(ctx context.Context, cfg Config, customerID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a := newApp(cfg, prometheus.NewRegistry())
	defer a.Close()

	if err := a.openAudit(); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.buildReconcile(); err != nil {
		return err
	}

	res, err := a.provisioner.Reconcile(ctx, customerID)
	if err != nil {
		return err
	}
	if err := printJSON(api.NewReconciliationResponse(res, nil)); err != nil {
		return err
	}
	if res.Status() == store.ReconciliationFailed {
		return fmt.Errorf("reconciliation of customer %d failed", customerID)
	}
	return nil
}

// runSweep runs one expiry sweep and, with withOutage, one outage detection
// pass, then prints both reports.
func runSweep(ctx context.Context, cfg Config, withOutage bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a := newApp(cfg, prometheus.NewRegistry())
	defer a.Close()

	if err := a.openAudit(); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openRedis(ctx); err != nil {
		return err
	}
	if err := a.buildReconcile(); err != nil {
		return err
	}

	out := struct {
		Sweep  reconcile.SweepReport `json:"sweep"`
		Outage interface{}           `json:"outage,omitempty"`
	}{}

	var err error
	out.Sweep, err = a.sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}

	if withOutage {
		if err := a.buildOutage(ctx); err != nil {
			return err
		}
		report, err := a.detector.RunOnce(ctx)
		if err != nil {
			return err
		}
		out.Outage = report
	}
	return printJSON(out)
}
