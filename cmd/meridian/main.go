package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/codelaboratoryltd/meridian/internal/auth"
	"github.com/codelaboratoryltd/meridian/internal/validation"
)

var log = logging.Logger("meridian")

var (
	// Build info (set at compile time)
	BuildVersion = "dev"
	BuildCommit  = "unknown"
)

// envPrefix prefixes the environment variable of every flag:
// --router-address is read from MERIDIAN_ROUTER_ADDRESS.
const envPrefix = "MERIDIAN_"

// Config holds process configuration
type Config struct {
	LogLevel string
	EnvFile  string

	// HTTP
	HTTPAddr    string
	MetricsAddr string
	TLSCert     string
	TLSKey      string
	TLSCA       string
	RateLimit   int // Max confirmation replies per minute per client

	// Auth
	JWTSecret string
	JWTIssuer string

	// Storage
	DatabaseURL string // billing database; in-memory when empty
	Migrate     bool
	DataPath    string // monitoring state

	// Redis backs the cross-process guard, confirmation sessions, rate limits
	// and the notification queue. Everything stays in process when empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Router
	RouterAddress     string
	RouterUsername    string
	RouterPassword    string
	RouterTimeout     time.Duration
	RouterMaxSessions int
	ManagementAddress string
	DirectProbe       bool
	ICMPPrivileged    bool

	// Reconciliation
	UnprovisionedProfile string
	SettleDelay          time.Duration
	HostOverrides        []string
	SweepInterval        time.Duration

	// Outage detection
	CheckInterval   time.Duration
	CheckWorkers    int
	ConfirmationTTL time.Duration

	// Collaborators
	NotifyURL      string
	NotifyToken    string
	NotifyQueue    string
	NotifyMaxRetry int
	TicketURL      string
	TicketToken    string

	// Audit
	KafkaBrokers []string
	AuditTopic   string

	// Tracing
	OTelEndpoint string
	OTelInsecure bool
	OTelSample   float64
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var cfg Config

	root := &cobra.Command{
		Use:   "meridian",
		Short: "Meridian - subscription provisioning and outage detection for ISP routers",
		Long: `Meridian keeps an access router in line with the billing system:
  - Reconciles PPPoE secrets, address lists and queues with subscriptions
  - Expires lapsed subscriptions and reverts their router state
  - Detects static IP outages and escalates them to technician tickets`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(cmd, cfg.EnvFile); err != nil {
				return err
			}
			return setLogLevel(cfg.LogLevel)
		},
	}
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&cfg.EnvFile, "env-file", ".env", "Environment file loaded before flags are resolved")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, the expiry sweeper and the outage detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), cfg)
		},
	}
	addStoreFlags(serve.Flags(), &cfg)
	addRouterFlags(serve.Flags(), &cfg)
	addReconcileFlags(serve.Flags(), &cfg)
	addOutageFlags(serve.Flags(), &cfg)
	addCollaboratorFlags(serve.Flags(), &cfg)
	serve.Flags().StringVar(&cfg.HTTPAddr, "http-addr", ":9000", "Admin API listen address")
	serve.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", ":9002", "Prometheus metrics listen address")
	serve.Flags().StringVar(&cfg.TLSCert, "tls-cert", "", "TLS certificate file for the admin API")
	serve.Flags().StringVar(&cfg.TLSKey, "tls-key", "", "TLS key file for the admin API")
	serve.Flags().StringVar(&cfg.TLSCA, "tls-ca", "", "CA file verifying optional client certificates")
	serve.Flags().IntVar(&cfg.RateLimit, "rate-limit", 30, "Maximum confirmation replies per minute per client (0 to disable)")
	serve.Flags().StringVar(&cfg.JWTSecret, "jwt-secret", "", "HMAC secret signing admin API tokens")
	serve.Flags().StringVar(&cfg.JWTIssuer, "jwt-issuer", "meridian", "Issuer of admin API tokens")
	serve.Flags().StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", nil, "Kafka brokers receiving audit events (stdout when empty)")
	serve.Flags().StringVar(&cfg.AuditTopic, "audit-topic", "meridian.audit", "Kafka topic for audit events")
	serve.Flags().StringVar(&cfg.OTelEndpoint, "otel-endpoint", "", "OTLP/gRPC collector endpoint (tracing disabled when empty)")
	serve.Flags().BoolVar(&cfg.OTelInsecure, "otel-insecure", false, "Connect to the collector without TLS")
	serve.Flags().Float64Var(&cfg.OTelSample, "otel-sample-ratio", 1, "Fraction of traces sampled")

	worker := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued customer notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), cfg)
		},
	}
	addRedisFlags(worker.Flags(), &cfg)
	worker.Flags().StringVar(&cfg.NotifyURL, "notify-url", "", "Notification service base URL")
	worker.Flags().StringVar(&cfg.NotifyToken, "notify-token", "", "Notification service bearer token")
	worker.Flags().StringVar(&cfg.NotifyQueue, "notify-queue", "notifications", "Queue holding notification tasks")
	worker.Flags().IntVar(&cfg.CheckWorkers, "concurrency", 4, "Notifications delivered at once")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile <customer-id>",
		Short: "Apply one customer's subscription state to the router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseCustomerID(args[0])
			if err != nil {
				return err
			}
			return runReconcile(cmd.Context(), cfg, id)
		},
	}
	addStoreFlags(reconcileCmd.Flags(), &cfg)
	addRouterFlags(reconcileCmd.Flags(), &cfg)
	addReconcileFlags(reconcileCmd.Flags(), &cfg)

	var withOutage bool
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed subscriptions and reconcile every customer once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), cfg, withOutage)
		},
	}
	addStoreFlags(sweep.Flags(), &cfg)
	addRouterFlags(sweep.Flags(), &cfg)
	addReconcileFlags(sweep.Flags(), &cfg)
	addOutageFlags(sweep.Flags(), &cfg)
	addCollaboratorFlags(sweep.Flags(), &cfg)
	sweep.Flags().BoolVar(&withOutage, "outage", false, "Also run one outage detection sweep")

	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := auth.DefaultConfig()
			config.JWTSecret = []byte(cfg.JWTSecret)
			config.JWTIssuer = cfg.JWTIssuer
			svc, err := auth.NewTokenService(config)
			if err != nil {
				return err
			}
			signed, err := svc.Issue(subject, roles, ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Println(signed)
			return nil
		},
	}
	token.Flags().StringVar(&cfg.JWTSecret, "jwt-secret", "", "HMAC secret signing admin API tokens")
	token.Flags().StringVar(&cfg.JWTIssuer, "jwt-issuer", "meridian", "Issuer of admin API tokens")
	token.Flags().StringVar(&subject, "subject", "", "Token subject")
	token.Flags().StringSliceVar(&roles, "roles", nil, "Roles: admin, billing, technician, gateway")
	token.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default 24h)")
	token.MarkFlagRequired("subject")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Meridian %s (%s)\n", BuildVersion, BuildCommit)
		},
	}

	root.AddCommand(serve, worker, reconcileCmd, sweep, token, version)
	return root
}

func addRedisFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address (in-process state when empty)")
	flags.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	flags.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
}

func addStoreFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.DatabaseURL, "database-url", "", "Billing PostgreSQL DSN (in-memory store when empty)")
	flags.BoolVar(&cfg.Migrate, "migrate", false, "Create the billing schema if missing")
	flags.StringVar(&cfg.DataPath, "data-path", "data", "Directory holding monitoring state")
	addRedisFlags(flags, cfg)
}

func addRouterFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.RouterAddress, "router-address", "192.168.88.1:8728", "RouterOS API address")
	flags.StringVar(&cfg.RouterUsername, "router-username", "admin", "RouterOS API user")
	flags.StringVar(&cfg.RouterPassword, "router-password", "", "RouterOS API password")
	flags.DurationVar(&cfg.RouterTimeout, "router-timeout", 8*time.Second, "Timeout of one router operation")
	flags.IntVar(&cfg.RouterMaxSessions, "router-max-sessions", 4, "Concurrent RouterOS API sessions")
	flags.StringVar(&cfg.ManagementAddress, "management-address", "", "Router management address, never assigned to a customer")
}

func addReconcileFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.UnprovisionedProfile, "unprovisioned-profile", "no-package", "PPP profile of customers without service")
	flags.DurationVar(&cfg.SettleDelay, "settle-delay", 500*time.Millisecond, "Wait before verifying address list moves")
	flags.StringSliceVar(&cfg.HostOverrides, "host-ip-override", nil, "Pin a customer's host address: <customer-id>=<ip> (repeatable)")
	flags.DurationVar(&cfg.SweepInterval, "sweep-interval", 5*time.Minute, "Interval between expiry sweeps")
}

func addOutageFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.DurationVar(&cfg.CheckInterval, "check-interval", time.Minute, "Interval between outage checks")
	flags.IntVar(&cfg.CheckWorkers, "check-workers", 4, "Customers probed at once")
	flags.DurationVar(&cfg.ConfirmationTTL, "confirmation-ttl", 30*time.Minute, "How long a confirmation question stays answerable")
	flags.BoolVar(&cfg.DirectProbe, "direct-probe", true, "Ping customers from this host before asking the router")
	flags.BoolVar(&cfg.ICMPPrivileged, "icmp-privileged", false, "Use raw ICMP sockets for direct probes")
}

func addCollaboratorFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.NotifyURL, "notify-url", "", "Notification service base URL (log only when empty)")
	flags.StringVar(&cfg.NotifyToken, "notify-token", "", "Notification service bearer token")
	flags.StringVar(&cfg.NotifyQueue, "notify-queue", "notifications", "Queue for notification tasks when Redis is configured")
	flags.IntVar(&cfg.NotifyMaxRetry, "notify-max-retry", 5, "Delivery attempts of a queued notification")
	flags.StringVar(&cfg.TicketURL, "ticket-url", "", "Helpdesk base URL")
	flags.StringVar(&cfg.TicketToken, "ticket-token", "", "Helpdesk bearer token")
}

// loadEnv reads the env file, then fills every flag not given on the command
// line from its MERIDIAN_ variable.
func loadEnv(cmd *cobra.Command, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var firstErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if err := cmd.Flags().Set(f.Name, v); err != nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	})
	return firstErr
}

func setLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

func parseHostOverrides(specs []string) (map[int64]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	overrides := make(map[int64]string, len(specs))
	for _, spec := range specs {
		id, ip, err := validation.ParseHostOverride(spec)
		if err != nil {
			return nil, err
		}
		overrides[id] = ip
	}
	return overrides, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
