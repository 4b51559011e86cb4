package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hibiken/asynq"
	ds "github.com/ipfs/go-datastore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/codelaboratoryltd/meridian/internal/audit"
	"github.com/codelaboratoryltd/meridian/internal/device"
	"github.com/codelaboratoryltd/meridian/internal/keys"
	"github.com/codelaboratoryltd/meridian/internal/lock"
	"github.com/codelaboratoryltd/meridian/internal/notify"
	"github.com/codelaboratoryltd/meridian/internal/outage"
	"github.com/codelaboratoryltd/meridian/internal/reconcile"
	"github.com/codelaboratoryltd/meridian/internal/session"
	"github.com/codelaboratoryltd/meridian/internal/store"
	"github.com/codelaboratoryltd/meridian/internal/ticket"
	"github.com/codelaboratoryltd/meridian/internal/util"
)

// app holds the components shared by the commands. Fields are nil when the
// command did not ask for them.
type app struct {
	cfg      Config
	registry prometheus.Registerer

	db     *sql.DB
	subs   store.SubscriptionStore
	redis  *redis.Client
	router *device.RouterOS
	audit  *audit.Logger

	engine      *reconcile.Engine
	provisioner *reconcile.Provisioner
	sweeper     *reconcile.Sweeper

	datastore ds.Batching
	detector  *outage.Detector
	sessions  session.Store
	async     *notify.Async

	closers []func() error
}

func newApp(cfg Config, registry prometheus.Registerer) *app {
	return &app{cfg: cfg, registry: registry}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	if a.async != nil {
		a.async.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warnw("Close failed", "error", err)
		}
	}
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		log.Warn("No database configured, using an empty in-memory billing store")
		a.subs = store.NewMemorySubscriptionStore()
		return nil
	}

	pgCfg := store.DefaultPostgresConfig()
	pgCfg.DSN = a.cfg.DatabaseURL
	db, err := store.OpenPostgres(ctx, pgCfg)
	if err != nil {
		return err
	}
	a.db = db
	a.onClose(db.Close)

	sqlStore := store.NewSQLSubscriptionStore(db)
	if a.cfg.Migrate {
		if err := sqlStore.Migrate(ctx); err != nil {
			return err
		}
		log.Info("Billing schema migrated")
	}
	a.subs = sqlStore
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	if a.cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	a.onClose(client.Close)
	log.Infow("Connected to redis", "addr", a.cfg.RedisAddr)
	return nil
}

func (a *app) openRouter() {
	devCfg := device.DefaultConfig()
	devCfg.Address = a.cfg.RouterAddress
	devCfg.Username = a.cfg.RouterUsername
	devCfg.Password = a.cfg.RouterPassword
	devCfg.Timeout = a.cfg.RouterTimeout
	devCfg.MaxSessions = a.cfg.RouterMaxSessions

	a.router = device.NewRouterOS(devCfg, device.WithMetrics(device.NewMetrics(a.registry)))
	a.onClose(a.router.Close)
}

// buildReconcile wires the router, the engine, the provisioner and the
// sweeper. The store and the audit logger must already be open.
func (a *app) buildReconcile() error {
	overrides, err := parseHostOverrides(a.cfg.HostOverrides)
	if err != nil {
		return err
	}

	engCfg := reconcile.DefaultConfig()
	engCfg.UnprovisionedProfile = a.cfg.UnprovisionedProfile
	engCfg.SettleDelay = a.cfg.SettleDelay
	engCfg.HostOverrides = overrides
	if a.cfg.ManagementAddress != "" {
		mgmt := net.ParseIP(a.cfg.ManagementAddress)
		if mgmt == nil {
			return fmt.Errorf("invalid management address %q", a.cfg.ManagementAddress)
		}
		engCfg.ManagementAddress = mgmt
	}

	a.openRouter()
	metrics := reconcile.NewMetrics(a.registry)

	a.engine = reconcile.NewEngine(a.router,
		reconcile.WithConfig(engCfg),
		reconcile.WithMetrics(metrics),
		reconcile.WithAudit(a.audit),
	)
	a.provisioner = reconcile.NewProvisioner(a.engine, a.subs, a.audit)

	swCfg := reconcile.DefaultSweeperConfig()
	swCfg.Interval = a.cfg.SweepInterval
	swCfg.Parallelism = a.cfg.RouterMaxSessions
	a.sweeper = reconcile.NewSweeper(a.provisioner,
		reconcile.WithSweeperConfig(swCfg),
		reconcile.WithSweeperMetrics(metrics),
	)
	return nil
}

func (a *app) buildNotifier() notify.Notifier {
	switch {
	case a.cfg.NotifyURL != "" && a.redis != nil:
		log.Infow("Queueing notifications", "queue", a.cfg.NotifyQueue)
		// The client shares the redis connection and is not closed on its own.
		return notify.NewTaskQueue(asynq.NewClientFromRedisClient(a.redis), a.cfg.NotifyQueue, a.cfg.NotifyMaxRetry)
	case a.cfg.NotifyURL != "":
		a.async = notify.NewAsync(notify.NewWebhook(a.cfg.NotifyURL, a.cfg.NotifyToken, 10*time.Second), a.cfg.CheckWorkers, 15*time.Second)
		return a.async
	default:
		log.Warn("No notification service configured, notifications are only logged")
		return notify.Logger{}
	}
}

// buildOutage wires the monitoring datastore, the probers and the detector.
// Run buildReconcile first so both resolve customer hosts the same way.
func (a *app) buildOutage(ctx context.Context) error {
	bds, err := store.OpenBadger(a.cfg.DataPath)
	if err != nil {
		return err
	}
	a.datastore = bds
	a.onClose(bds.Close)

	if a.router == nil {
		a.openRouter()
	}

	var prober device.Prober = device.GatewayProber{Gateway: a.router}
	if a.cfg.DirectProbe {
		prober = device.Chain(device.NewICMPProber(3, 3*time.Second, a.cfg.ICMPPrivileged), prober)
	}

	var guard lock.Guard = lock.NewMemoryGuard()
	if a.redis != nil {
		guard = lock.NewRedisGuard(a.redis, "meridian:outage:", a.cfg.CheckInterval)
		a.sessions = session.NewRedisStore(a.redis, "meridian:confirm:")
	} else {
		mem := session.NewMemoryStore()
		go mem.Run(ctx, time.Minute)
		a.sessions = mem
	}

	var ticketing ticket.Ticketing
	if a.cfg.TicketURL != "" {
		ticketing = ticket.NewClient(a.cfg.TicketURL, a.cfg.TicketToken, 10*time.Second)
	} else {
		log.Warn("No helpdesk configured, tickets are kept in memory")
		ticketing = ticket.NewMemory()
	}

	detCfg := outage.DefaultConfig()
	detCfg.CheckInterval = a.cfg.CheckInterval
	detCfg.Workers = a.cfg.CheckWorkers
	detCfg.ConfirmationTTL = a.cfg.ConfirmationTTL

	var hosts util.HostResolver
	if a.engine != nil {
		hosts = a.engine.Config().HostResolver()
	}

	a.detector = outage.NewDetector(a.subs, store.NewMonitoringStore(bds), prober,
		outage.WithConfig(detCfg),
		outage.WithHostResolver(hosts),
		outage.WithMetrics(outage.NewMetrics(a.registry)),
		outage.WithNotifier(a.buildNotifier()),
		outage.WithTicketing(ticketing),
		outage.WithGuard(guard),
		outage.WithSessions(a.sessions),
		outage.WithAudit(a.audit),
	)
	return nil
}

// openAudit starts the audit logger. Events go to Kafka when brokers are
// configured and to stderr otherwise, keeping stdout for command output.
func (a *app) openAudit() error {
	cfg := audit.DefaultConfig()
	hostname, _ := os.Hostname()
	cfg.ServerID = hostname
	if len(a.cfg.KafkaBrokers) > 0 {
		cfg.Sink = audit.NewKafkaSink(audit.NewKafkaWriter(a.cfg.KafkaBrokers, a.cfg.AuditTopic, "meridian-"+hostname))
	} else {
		cfg.Sink = audit.NewWriterSink(os.Stderr, true)
	}

	a.audit = audit.NewLogger(cfg)
	if err := a.audit.Start(BuildVersion); err != nil {
		return fmt.Errorf("failed to start audit logger: %w", err)
	}
	a.onClose(a.audit.Stop)
	return nil
}

func (a *app) pingDatabase(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *app) pingRedis(ctx context.Context) error {
	return a.redis.Ping(ctx).Err()
}

func (a *app) checkDatastore(ctx context.Context) error {
	_, err := a.datastore.Has(ctx, keys.MonitoringPrefix())
	return err
}
