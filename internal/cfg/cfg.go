package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/directory"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL string
	DBSlowQuery time.Duration

	DirectoryFile         string
	DirectoryCacheSeconds int
	AssignmentStrategy    string

	SlackWebhookURL string
	KafkaBrokers    string
	KafkaTopic      string
	NotifyURLs      string
	NotifyRate      float64
	NotifyWorkers   int
	NotifyQueueSize int

	SLASweepSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 requests")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store and directory)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 250*time.Millisecond, "log db queries slower than this (0 = log every query)")

	fs.StringVar(&c.DirectoryFile, "directory-file", "", "YAML user directory seed for the in-memory directory")
	fs.IntVar(&c.DirectoryCacheSeconds, "directory-cache-seconds", 30, "seconds to cache directory lookups (0 = no cache, max 3600)")
	fs.StringVar(&c.AssignmentStrategy, "assignment-strategy", directory.StrategyFirst, "reviewer selection: first or round-robin")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for the notification topic")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "warden.notifications", "Kafka topic for notifications")
	fs.StringVar(&c.NotifyURLs, "notify-urls", "", "comma-separated shoutrrr service URLs (smtp://, teams://, ...)")
	fs.Float64Var(&c.NotifyRate, "notify-rate", 10, "max notification deliveries per second (0 = unlimited)")
	fs.IntVar(&c.NotifyWorkers, "notify-workers", 4, "notification delivery workers (1..64)")
	fs.IntVar(&c.NotifyQueueSize, "notify-queue-size", 1024, "pending notification deliveries before new ones are dropped (1..100000)")

	fs.IntVar(&c.SLASweepSeconds, "sla-sweep-seconds", 300, "seconds between SLA sweeps (0 = disabled, max 86400)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must not be negative)", c.DBSlowQuery))
	}

	// The seed file only feeds the in-memory directory
	if c.DirectoryFile != "" && c.DatabaseURL != "" {
		errs = append(errs, errors.New("DIRECTORY_FILE and DATABASE_URL are mutually exclusive"))
	}
	if c.DirectoryCacheSeconds < 0 || c.DirectoryCacheSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid DIRECTORY_CACHE_SECONDS %d (must be 0..3600)", c.DirectoryCacheSeconds))
	}
	if _, err := directory.NewSelector(c.AssignmentStrategy); err != nil {
		errs = append(errs, fmt.Errorf("invalid ASSIGNMENT_STRATEGY: %w", err))
	}

	if len(c.Brokers()) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	if c.NotifyRate < 0 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_RATE %g (must not be negative)", c.NotifyRate))
	}
	if c.NotifyWorkers <= 0 || c.NotifyWorkers > 64 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_WORKERS %d (must be 1..64)", c.NotifyWorkers))
	}
	if c.NotifyQueueSize <= 0 || c.NotifyQueueSize > 100000 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_QUEUE_SIZE %d (must be 1..100000)", c.NotifyQueueSize))
	}

	if c.SLASweepSeconds < 0 || c.SLASweepSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid SLA_SWEEP_SECONDS %d (must be 0..86400)", c.SLASweepSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Brokers splits KafkaBrokers, dropping empty entries.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// ServiceURLs splits NotifyURLs, dropping empty entries.
func (c *Config) ServiceURLs() []string {
	return splitList(c.NotifyURLs)
}

// DirectoryCacheTTL is the directory cache lifetime; zero disables caching.
func (c *Config) DirectoryCacheTTL() time.Duration {
	return time.Duration(c.DirectoryCacheSeconds) * time.Second
}

// SLASweepInterval is the time between SLA sweeps; zero disables them.
func (c *Config) SLASweepInterval() time.Duration {
	return time.Duration(c.SLASweepSeconds) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
