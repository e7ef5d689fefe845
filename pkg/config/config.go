// Package config holds the settings shared by producers and workers.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/tube"
)

// Worker strategy names accepted by DefaultWorker.
const (
	WorkerSimple        = "simple"
	WorkerForking       = "forking"
	WorkerThreading     = "threading"
	WorkerThreadsOnFork = "threads_on_fork"
)

// BackoffFunc returns the release delay for a job that has already been
// released the given number of times.
type BackoffFunc func(base time.Duration, releases int) time.Duration

// DefaultBackoff waits base plus releases cubed seconds: 0, 1s, 8s, 27s...
// on top of base.
func DefaultBackoff(base time.Duration, releases int) time.Duration {
	if releases < 0 {
		releases = 0
	}
	r := time.Duration(releases)
	return base + r*r*r*time.Second
}

// Config is the explicit configuration passed to pools, queues and workers.
type Config struct {
	BrokerURLs         []string         `env:"BEANSTALK_URL" envSeparator:"," envDefault:"beanstalk://127.0.0.1"`
	TubeNamespace      string           `env:"JOBS_TUBE_NAMESPACE" envDefault:"backburner.worker.queue"`
	NamespaceSeparator string           `env:"JOBS_NAMESPACE_SEPARATOR" envDefault:"."`
	DefaultPriority    int64            `env:"JOBS_DEFAULT_PRIORITY" envDefault:"65536"`
	RespondTimeout     time.Duration    `env:"JOBS_RESPOND_TIMEOUT" envDefault:"120s"`
	MaxJobRetries      int              `env:"JOBS_MAX_RETRIES" envDefault:"0"`
	RetryDelay         time.Duration    `env:"JOBS_RETRY_DELAY" envDefault:"5s"`
	DefaultQueues      []string         `env:"JOBS_DEFAULT_QUEUES" envSeparator:","`
	DefaultWorker      string           `env:"JOBS_DEFAULT_WORKER" envDefault:"simple"`
	PriorityLabels     map[string]int64 `env:"JOBS_PRIORITY_LABELS" envDefault:"high:0,medium:100,low:200"`
	ReserveTimeout     time.Duration    `env:"JOBS_RESERVE_TIMEOUT" envDefault:"5s"`
	DialTimeout        time.Duration    `env:"JOBS_DIAL_TIMEOUT" envDefault:"5s"`
	QuarantineInterval time.Duration    `env:"JOBS_QUARANTINE_INTERVAL" envDefault:"15s"`
	StickyPuts         int              `env:"JOBS_STICKY_PUTS" envDefault:"5"`
	Threads            int              `env:"JOBS_THREADS" envDefault:"0"`
	GarbageLimit       int              `env:"JOBS_GARBAGE_LIMIT" envDefault:"0"`
	ShutdownTimeout    time.Duration    `env:"JOBS_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Not read from the environment.
	Backoff BackoffFunc
	OnError core.ErrorHandler
	Logger  *slog.Logger
}

// Default returns a Config populated with the built-in defaults only.
func Default() *Config {
	cfg, err := FromMap(map[string]string{})
	if err != nil {
		panic(fmt.Sprintf("jobs: default config: %v", err))
	}
	return cfg
}

// Load reads the given .env files (or ./.env when present) into the process
// environment and parses the environment into a Config.
func Load(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("jobs: load env files: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("jobs: load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return finish(cfg)
}

// FromMap parses a Config from an explicit variable map instead of the
// process environment.
func FromMap(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside a worker.
func (c *Config) Validate() error {
	switch {
	case len(c.BrokerURLs) == 0:
		return fmt.Errorf("%w: at least one broker url is required", core.ErrInvalidConfig)
	case c.NamespaceSeparator == "":
		return fmt.Errorf("%w: namespace separator is empty", core.ErrInvalidConfig)
	case strings.Contains(c.NamespaceSeparator, ":"):
		return fmt.Errorf("%w: namespace separator cannot contain ':'", core.ErrInvalidConfig)
	case c.MaxJobRetries < 0:
		return fmt.Errorf("%w: max job retries is negative", core.ErrInvalidConfig)
	case c.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay is negative", core.ErrInvalidConfig)
	case c.StickyPuts < 1:
		return fmt.Errorf("%w: sticky puts must be at least 1", core.ErrInvalidConfig)
	case c.Threads < 0 || c.GarbageLimit < 0:
		return fmt.Errorf("%w: threads and garbage limit must not be negative", core.ErrInvalidConfig)
	}
	switch c.DefaultWorker {
	case WorkerSimple, WorkerForking, WorkerThreading, WorkerThreadsOnFork:
	default:
		return fmt.Errorf("%w: unknown worker %q", core.ErrInvalidConfig, c.DefaultWorker)
	}
	return nil
}

// Clone returns a shallow copy with its own slices and label map.
func (c *Config) Clone() *Config {
	cp := *c
	cp.BrokerURLs = append([]string(nil), c.BrokerURLs...)
	cp.DefaultQueues = append([]string(nil), c.DefaultQueues...)
	cp.PriorityLabels = make(map[string]int64, len(c.PriorityLabels))
	for k, v := range c.PriorityLabels {
		cp.PriorityLabels[k] = v
	}
	return &cp
}

// TubeName expands a class or queue name into its namespaced tube name.
func (c *Config) TubeName(name string) string {
	return tube.Expand(c.TubeNamespace, c.NamespaceSeparator, name)
}

// TubePrefix is the namespace followed by the separator, the prefix every
// tube owned by this configuration starts with.
func (c *Config) TubePrefix() string {
	return strings.TrimSuffix(c.TubeNamespace, c.NamespaceSeparator) + c.NamespaceSeparator
}

// ResolvePriority maps a label ("high") or a number ("42") to a priority.
func (c *Config) ResolvePriority(label string) (int64, bool) {
	label = strings.TrimSpace(label)
	if n, err := strconv.ParseInt(label, 10, 64); err == nil {
		return n, true
	}
	for k, v := range c.PriorityLabels {
		if strings.EqualFold(k, label) {
			return v, true
		}
	}
	return 0, false
}

// RetryDelayFor returns the backoff delay after the given number of releases.
func (c *Config) RetryDelayFor(releases int) time.Duration {
	if c.Backoff == nil {
		return DefaultBackoff(c.RetryDelay, releases)
	}
	return c.Backoff(c.RetryDelay, releases)
}

// Log returns the configured logger or slog.Default.
func (c *Config) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
