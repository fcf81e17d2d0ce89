// Package main implements the puente binary linking cadastral records with
// property registry folios and keeping both registries synchronized.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/munistream/puente/internal/decision"
	"github.com/munistream/puente/internal/log"
	"github.com/munistream/puente/internal/retry"
	"github.com/munistream/puente/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN string `short:"p" env:"PUENTE_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string, empty keeps state in memory"`
	EtcdDSN     string `short:"e" env:"PUENTE_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string for cross-instance locks"`
	LogLevel    string `short:"l" env:"PUENTE_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogJSON     bool   `env:"PUENTE_LOG_JSON" long:"log-json" description:"Emit logs as JSON"`
	HTTPAddr    string `env:"PUENTE_HTTP_ADDR" long:"http-addr" description:"Listen address of the step API" default:":8080"`

	AutoLinkThreshold float64 `env:"PUENTE_AUTO_LINK_THRESHOLD" long:"auto-link-threshold" description:"Minimum score linking without review" default:"95"`
	ManualReviewFloor float64 `env:"PUENTE_MANUAL_REVIEW_FLOOR" long:"manual-review-floor" description:"Minimum score proposed for manual review" default:"70"`

	AttemptTimeout time.Duration `env:"PUENTE_ATTEMPT_TIMEOUT" long:"attempt-timeout" description:"Timeout of one registry call" default:"30s"`
	MaxRetries     uint64        `env:"PUENTE_MAX_RETRIES" long:"max-retries" description:"Retries after the first failed synchronization attempt" default:"3"`
	BackoffBase    time.Duration `env:"PUENTE_BACKOFF_BASE" long:"backoff-base" description:"Delay before the first retry" default:"30s"`
	BackoffMax     time.Duration `env:"PUENTE_BACKOFF_MAX" long:"backoff-max" description:"Longest delay between retries" default:"120s"`
	AtomicRollback bool          `env:"PUENTE_ATOMIC_ROLLBACK" long:"atomic-rollback" description:"Also restore origin fields changed by back-propagation on rollback"`

	ReconcileInterval time.Duration `env:"PUENTE_RECONCILE_INTERVAL" long:"reconcile-interval" description:"Polling interval for abandoned operations" default:"1m"`
	StaleAfter        time.Duration `env:"PUENTE_STALE_AFTER" long:"stale-after" description:"Age after which a pending operation counts as abandoned" default:"5m"`

	KafkaBrokers     string `env:"PUENTE_KAFKA_BROKERS" long:"kafka-brokers" description:"Comma separated Kafka brokers, empty logs notifications instead"`
	KafkaChangeTopic string `env:"PUENTE_KAFKA_CHANGE_TOPIC" long:"kafka-change-topic" description:"Topic carrying registry change events" default:"puente.changes"`
	KafkaEventsTopic string `env:"PUENTE_KAFKA_EVENTS_TOPIC" long:"kafka-events-topic" description:"Topic receiving review tasks and escalations" default:"puente.events"`
	KafkaGroup       string `env:"PUENTE_KAFKA_GROUP" long:"kafka-group" description:"Consumer group of the change consumer" default:"puente"`

	CadastralURL string `env:"PUENTE_CADASTRAL_URL" long:"cadastral-url" description:"Base URL of the cadastral registry API"`
	RegistryURL  string `env:"PUENTE_REGISTRY_URL" long:"registry-url" description:"Base URL of the property registry API"`
	FieldMapping string `env:"PUENTE_FIELD_MAPPING" long:"field-mapping" description:"YAML file overriding the field mapping table"`

	Version bool `short:"v" long:"version" description:"Show version information"`
	Help    bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return cmdOpts, cmdOpts.validate()
}

func (c *Config) validate() error {
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if c.ReconcileInterval <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("reconcile interval and stale-after must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff base must be positive and not exceed backoff max")
	}
	return nil
}

// Policy returns the linkage decision thresholds.
func (c *Config) Policy() decision.Policy {
	return decision.Policy{
		AutoLinkThreshold: c.AutoLinkThreshold,
		ManualReviewFloor: c.ManualReviewFloor,
	}
}

// SyncConfig returns the coordinator settings.
func (c *Config) SyncConfig() sync.Config {
	return sync.Config{
		Retry: &retry.Config{
			MaxRetries: c.MaxRetries,
			BaseDelay:  c.BackoffBase,
			MaxDelay:   c.BackoffMax,
		},
		AttemptTimeout: c.AttemptTimeout,
		Atomic:         c.AtomicRollback,
	}
}

// Brokers splits the broker list.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("puente version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string, json bool) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(json))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("puente logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	// a missing .env file is fine, the environment may already be set
	_ = godotenv.Load()

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel, config.LogJSON); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	app, err := NewApp(ctx, config)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start")
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("puente stopped")
	}

	logrus.Info("Graceful shutdown completed")
}
