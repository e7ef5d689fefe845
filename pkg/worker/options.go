// Package worker provides the Worker job processor for the jobs package.
package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/metrics"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/security"
)

// Option configures a Worker.
type Option interface {
	ApplyWorker(*Options)
}

type workerOptionFunc func(*Options)

func (f workerOptionFunc) ApplyWorker(c *Options) { f(c) }

// Options holds worker settings that are not part of the shared Config.
type Options struct {
	Tubes           []string
	Strategy        string
	WorkerID        string
	EnableScheduler bool
	ScheduleTick    time.Duration
	Threads         int
	GarbageLimit    int
	RespawnEvery    time.Duration
	RespawnBurst    int
	Spawner         Spawner
	Dialer          broker.Dialer
	History         core.History
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// WithTubes sets the tubes to work. Entries may carry per-tube settings as
// "name[:threads[:garbage[:retries]]]" and may be comma separated.
func WithTubes(names ...string) Option {
	return workerOptionFunc(func(c *Options) {
		c.Tubes = append(c.Tubes, names...)
	})
}

// WithStrategy picks the execution strategy by name, overriding
// Config.DefaultWorker.
func WithStrategy(name string) Option {
	return workerOptionFunc(func(c *Options) {
		c.Strategy = name
	})
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) Option {
	return workerOptionFunc(func(c *Options) {
		c.WorkerID = id
	})
}

// WithScheduler enables the scheduler in the worker.
func WithScheduler(enabled bool) Option {
	return workerOptionFunc(func(c *Options) {
		c.EnableScheduler = enabled
	})
}

// Concurrency sets the default number of goroutines per tube.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) Option {
	return workerOptionFunc(func(c *Options) {
		c.Threads = security.ClampConcurrency(n)
	})
}

// WithGarbageLimit sets how many jobs a threads-on-fork child processes
// before it exits to be replaced. Zero means no limit.
func WithGarbageLimit(n int) Option {
	return workerOptionFunc(func(c *Options) {
		if n < 0 {
			n = 0
		}
		c.GarbageLimit = n
	})
}

// WithRespawnLimit throttles child re-spawning to one per every, with burst.
func WithRespawnLimit(every time.Duration, burst int) Option {
	return workerOptionFunc(func(c *Options) {
		c.RespawnEvery = every
		c.RespawnBurst = burst
	})
}

// WithSpawner sets how child processes are started. The default re-executes
// the current binary.
func WithSpawner(s Spawner) Option {
	return workerOptionFunc(func(c *Options) {
		c.Spawner = s
	})
}

// WithDialer overrides the queue's broker transport.
func WithDialer(d broker.Dialer) Option {
	return workerOptionFunc(func(c *Options) {
		c.Dialer = d
	})
}

// WithHistory records every processed job in h.
func WithHistory(h core.History) Option {
	return workerOptionFunc(func(c *Options) {
		c.History = h
	})
}

// WithMetrics overrides the queue's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return workerOptionFunc(func(c *Options) {
		c.Metrics = m
	})
}

// WithLogger overrides the queue's logger.
func WithLogger(l *slog.Logger) Option {
	return workerOptionFunc(func(c *Options) {
		c.Logger = l
	})
}
