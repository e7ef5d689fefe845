// Package jobs runs background jobs on a beanstalkd broker.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	func main() {
//	    cfg, _ := jobs.LoadConfig()
//	    q := jobs.New(cfg)
//	    q.Register("SendEmail", func(ctx context.Context, to string) error {
//	        return sendEmail(to)
//	    }, jobs.PriorityLabel("high"))
//
//	    // Must come first: a forking worker re-executes this binary.
//	    jobs.MaybeRunChild(ctx, q)
//
//	    q.Enqueue(ctx, "SendEmail", []any{"user@example.com"})
//	    jobs.Work(ctx, q, []string{"send-email"}, jobs.WithStrategy("threading"))
//	}
package jobs

import (
	"context"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/config"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/hooks"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/jobctx"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/metrics"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/queue"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/schedule"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/security"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/storage"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/worker"
)

func init() {
	// Register the worker factory to enable queue.NewWorker()
	queue.WorkerFactory = func(q *queue.Queue, opts ...any) core.Starter {
		workerOpts := make([]worker.Option, 0, len(opts))
		for _, opt := range opts {
			if wo, ok := opt.(worker.Option); ok {
				workerOpts = append(workerOpts, wo)
			}
		}
		return worker.NewWorker(q, workerOpts...)
	}
}

type (
	// Config is the configuration shared by producers and workers.
	Config = config.Config

	// Queue registers job classes and enqueues jobs.
	Queue = queue.Queue

	// QueueOption configures a Queue.
	QueueOption = queue.QueueOption

	// Option modifies Options for registration and enqueueing.
	Option = queue.Option

	// Options holds per-class and per-enqueue settings.
	Options = queue.Options

	// ScheduledJob holds configuration for a recurring job.
	ScheduledJob = queue.ScheduledJob

	// DeferredCall is a captured method call on a target class.
	DeferredCall = queue.DeferredCall

	// Worker processes jobs from the broker.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.Option

	// Spawner starts worker children.
	Spawner = worker.Spawner

	// ChildSpec tells a worker child what to do.
	ChildSpec = worker.ChildSpec

	// Hooks holds lifecycle callbacks for a class.
	Hooks = hooks.Hooks

	// GateFunc is a before_enqueue or before_perform hook. Returning false halts.
	GateFunc = hooks.GateFunc

	// HookFunc is an after_enqueue or after_perform hook.
	HookFunc = hooks.Func

	// AroundFunc wraps the perform.
	AroundFunc = hooks.AroundFunc

	// FailureFunc is an on_failure hook.
	FailureFunc = hooks.FailureFunc

	// RetryFunc is an on_retry hook.
	RetryFunc = hooks.RetryFunc

	// NotifyFunc is an on_bury or on_touch hook.
	NotifyFunc = hooks.NotifyFunc

	// Args are a job's positional JSON arguments.
	Args = core.Args

	// JobInfo identifies a reserved job on its broker.
	JobInfo = core.JobInfo

	// ErrorHandler is called after every failed attempt.
	ErrorHandler = core.ErrorHandler

	// Event is the interface for all worker events.
	Event = core.Event

	// JobStarted is emitted when a job starts processing.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a job completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted for every failed attempt.
	JobFailed = core.JobFailed

	// JobRetrying is emitted when a job is released for another attempt.
	JobRetrying = core.JobRetrying

	// JobBuried is emitted when a job is buried.
	JobBuried = core.JobBuried

	// ChildExited is emitted when a worker child exits.
	ChildExited = core.ChildExited

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates an error that should be retried after a delay.
	RetryAfterError = core.RetryAfterError

	// JobTimeoutError is returned when a perform outlives its time to run.
	JobTimeoutError = core.JobTimeoutError

	// History persists processing outcomes.
	History = core.History

	// JobRecord is one row of processing history.
	JobRecord = core.JobRecord

	// GormHistory implements History using GORM.
	GormHistory = storage.GormHistory

	// Schedule defines when a recurring job should run next.
	Schedule = schedule.Schedule

	// Metrics holds the Prometheus collectors.
	Metrics = metrics.Metrics

	// Endpoint is a broker address.
	Endpoint = broker.Endpoint
)

// Worker strategies
const (
	WorkerSimple        = config.WorkerSimple
	WorkerForking       = config.WorkerForking
	WorkerThreading     = config.WorkerThreading
	WorkerThreadsOnFork = config.WorkerThreadsOnFork
)

// ExitRecycled is the exit code of a child that finished its work normally.
const ExitRecycled = worker.ExitRecycled

// Security limits
const (
	MaxClassNameLength    = security.MaxClassNameLength
	MaxTubeNameLength     = security.MaxTubeNameLength
	MaxJobBodySize        = security.MaxJobBodySize
	MaxRetries            = security.MaxRetries
	MaxConcurrency        = security.MaxConcurrency
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error variables
var (
	ErrBadEndpoint        = core.ErrBadEndpoint
	ErrNotConnected       = core.ErrNotConnected
	ErrNoActiveConnection = core.ErrNoActiveConnection
	ErrJobFormatInvalid   = core.ErrJobFormatInvalid
	ErrHandlerNotFound    = core.ErrHandlerNotFound
	ErrJobTimeout         = core.ErrJobTimeout
	ErrHalted             = core.ErrHalted
	ErrShutdownTimeout    = core.ErrShutdownTimeout
	ErrInvalidConfig      = core.ErrInvalidConfig
	ErrInvalidClassName   = core.ErrInvalidClassName
	ErrClassNameTooLong   = core.ErrClassNameTooLong
	ErrInvalidTubeName    = core.ErrInvalidTubeName
	ErrTubeNameTooLong    = core.ErrTubeNameTooLong
	ErrJobArgsTooLarge    = core.ErrJobArgsTooLarge
	ErrUndefinedMethod    = queue.ErrUndefinedMethod
)

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads .env files and the environment into a Config.
func LoadConfig(files ...string) (*Config, error) {
	return config.Load(files...)
}

// New creates a Queue. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...QueueOption) *Queue {
	return queue.New(cfg, opts...)
}

// NewWorker creates a worker for q.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// Work runs a worker over tubes until ctx is cancelled. With no tubes it
// works Config.DefaultQueues, or every class tube and namespaced broker tube.
func Work(ctx context.Context, q *Queue, tubes []string, opts ...WorkerOption) error {
	opts = append([]WorkerOption{worker.WithTubes(tubes...)}, opts...)
	return worker.NewWorker(q, opts...).Start(ctx)
}

// NewMetrics creates Prometheus collectors on a fresh registry.
func NewMetrics(withRuntime bool) *Metrics {
	return metrics.New(withRuntime)
}

// OpenHistory opens a SQLite history at path, creating and migrating it.
func OpenHistory(ctx context.Context, path string) (*GormHistory, error) {
	return storage.Open(ctx, path)
}

// ParseEndpoint parses "beanstalk://host[:port]" or "host:port".
func ParseEndpoint(raw string) (Endpoint, error) {
	return broker.ParseEndpoint(raw)
}

// NoRetry wraps an error so the job is buried without further attempts.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error so the next attempt waits d instead of the backoff.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Queue options

// WithDialer replaces the beanstalkd transport, e.g. with brokertest.
func WithDialer(d broker.Dialer) QueueOption {
	return queue.WithDialer(d)
}

// WithMetrics records producer and worker metrics in m.
func WithMetrics(m *Metrics) QueueOption {
	return queue.WithMetrics(m)
}

// Job option functions

// QueueOpt sets the queue (tube) name.
func QueueOpt(name string) Option {
	return queue.QueueOpt(name)
}

// Priority sets the broker priority; lower runs first.
func Priority(p int64) Option {
	return queue.Priority(p)
}

// PriorityLabel sets the priority by label ("high", "medium", "low").
func PriorityLabel(label string) Option {
	return queue.PriorityLabel(label)
}

// Retries sets the maximum number of retries.
func Retries(n int) Option {
	return queue.Retries(n)
}

// Delay holds the job back for d.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At holds the job back until t.
func At(t time.Time) Option {
	return queue.At(t)
}

// TTR sets the time to run.
func TTR(d time.Duration) Option {
	return queue.TTR(d)
}

// WithHooks attaches hooks to a class.
func WithHooks(h Hooks) Option {
	return queue.WithHooks(h)
}

// Worker option functions

// WithTubes adds tubes to work, as "name[:threads[:garbage[:retries]]]".
func WithTubes(names ...string) WorkerOption {
	return worker.WithTubes(names...)
}

// WithStrategy picks the worker strategy.
func WithStrategy(name string) WorkerOption {
	return worker.WithStrategy(name)
}

// Concurrency sets the default number of goroutines per tube.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// WithGarbageLimit sets how many jobs a threads-on-fork child processes.
func WithGarbageLimit(n int) WorkerOption {
	return worker.WithGarbageLimit(n)
}

// WithScheduler enables the scheduler in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return worker.WithScheduler(enabled)
}

// WithHistory records every processed job in h.
func WithHistory(h History) WorkerOption {
	return worker.WithHistory(h)
}

// WithSpawner sets how worker children are started.
func WithSpawner(s Spawner) WorkerOption {
	return worker.WithSpawner(s)
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) WorkerOption {
	return worker.WithWorkerID(id)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return schedule.Weekly(day, hour, minute)
}

// Cron creates a schedule from a cron expression. It panics on a bad expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// ParseCron parses a cron expression.
func ParseCron(expr string) (Schedule, error) {
	return schedule.ParseCron(expr)
}

// Job context

// JobFromContext returns the running job, or false outside a perform.
func JobFromContext(ctx context.Context) (JobInfo, bool) {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the running job's broker id, or 0.
func JobIDFromContext(ctx context.Context) uint64 {
	return jobctx.JobIDFromContext(ctx)
}

// Touch asks the broker for a fresh time to run for the running job.
func Touch(ctx context.Context) error {
	return jobctx.Touch(ctx)
}

// Attempt returns the running job's attempt number, starting at 1.
func Attempt(ctx context.Context) (int, error) {
	return jobctx.Attempt(ctx)
}
