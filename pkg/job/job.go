package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/hooks"
	intctx "github.com/jdziat/simple-beanstalk-jobs/pkg/internal/context"
)

// fallbackPriority is used for release and bury when the broker cannot
// report the job's own priority.
const fallbackPriority uint32 = 65536

// Resolver finds perform functions and hooks by class name.
type Resolver interface {
	Lookup(name string) (core.Performer, bool)
	Hooks(name string) hooks.Hooks
}

// Broker is the part of a broker link a reserved job talks to.
// *broker.Link implements it.
type Broker interface {
	Endpoint() broker.Endpoint
	Delete(ctx context.Context, id uint64) error
	Release(ctx context.Context, id uint64, pri uint32, delay time.Duration) error
	Bury(ctx context.Context, id uint64, pri uint32) error
	Touch(ctx context.Context, id uint64) error
	StatsJob(ctx context.Context, id uint64) (broker.JobStats, error)
}

// Option configures a Job.
type Option func(*Job)

// WithWorkerID tags the job with the id of the worker running it.
func WithWorkerID(id string) Option {
	return func(j *Job) { j.workerID = id }
}

// WithLogger sets the logger used for hook errors.
func WithLogger(l *slog.Logger) Option {
	return func(j *Job) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithDefaultTTR sets the time-to-run assumed when the broker cannot report
// the job's own, so the perform deadline stays finite.
func WithDefaultTTR(d time.Duration) Option {
	return func(j *Job) { j.defaultTTR = d }
}

// Job is a reserved broker job with its decoded payload.
type Job struct {
	ID   uint64
	Body []byte
	Name string
	Args core.Args

	link     Broker
	resolver Resolver
	hooks    hooks.Hooks
	workerID   string
	logger     *slog.Logger
	defaultTTR time.Duration

	mu   sync.Mutex
	meta *broker.JobStats
}

// New decodes a reservation. A body that cannot be decoded is buried at once
// and the returned error wraps core.ErrJobFormatInvalid.
func New(ctx context.Context, res *broker.Reservation, r Resolver, opts ...Option) (*Job, error) {
	return newJob(ctx, res.ID, res.Body, res.Link, r, opts...)
}

func newJob(ctx context.Context, id uint64, body []byte, link Broker, r Resolver, opts ...Option) (*Job, error) {
	j := &Job{
		ID:       id,
		Body:     body,
		link:     link,
		resolver: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}

	p, err := core.DecodePayload(body)
	if err != nil {
		if buryErr := link.Bury(ctx, id, j.priority(ctx)); buryErr != nil {
			return nil, fmt.Errorf("job %d: %w (bury failed: %v)", id, err, buryErr)
		}
		return nil, fmt.Errorf("job %d: %w", id, err)
	}
	j.Name = p.Class
	j.Args = p.Args
	j.hooks = r.Hooks(p.Class)
	return j, nil
}

// Process runs the job: before-perform gates, the around chain wrapping the
// perform under the time-to-run guard, delete, then after-perform hooks.
//
// A false gate returns core.ErrHalted and leaves the job reserved untouched.
// Any other error, including a recovered panic, runs the failure hooks and
// is returned; the caller decides between retry and bury.
func (j *Job) Process(ctx context.Context) error {
	ok, err := j.hooks.RunBeforePerform(ctx, j.Args)
	if err != nil {
		return j.failed(ctx, err)
	}
	if !ok {
		return core.ErrHalted
	}

	err = j.hooks.WrapPerform(ctx, j.Args, j.perform)
	if err != nil {
		return j.failed(ctx, err)
	}
	if err := j.link.Delete(ctx, j.ID); err != nil {
		return j.failed(ctx, fmt.Errorf("delete job %d: %w", j.ID, err))
	}
	if err := j.hooks.RunAfterPerform(ctx, j.Args); err != nil {
		return j.failed(ctx, err)
	}
	return nil
}

func (j *Job) failed(ctx context.Context, err error) error {
	if hookErr := j.hooks.RunFailure(ctx, err, j.Args); hookErr != nil {
		j.logger.Warn("failure hook error", "job_id", j.ID, "name", j.Name, "error", hookErr)
	}
	return err
}

func (j *Job) perform(ctx context.Context) error {
	p, ok := j.resolver.Lookup(j.Name)
	if !ok {
		return fmt.Errorf("%w: %q", core.ErrHandlerNotFound, j.Name)
	}

	timeout := j.Timeout(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runCtx = intctx.WithJobContext(runCtx, &intctx.JobContext{
		Info:     j.Info(),
		Name:     j.Name,
		Args:     j.Args,
		WorkerID: j.workerID,
		Touch:    j.Touch,
		Releases: j.Releases,
	})

	done := make(chan error, 1)
	go func() {
		done <- execute(runCtx, p, j.Args)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-expired:
		// The perform goroutine is abandoned; its context is cancelled.
		return &core.JobTimeoutError{Name: j.Name, Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func execute(ctx context.Context, p core.Performer, args core.Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Execute(ctx, args)
}

// Timeout is the perform deadline derived from the job's time-to-run:
// one second less than the ttr so the broker does not reclaim the job first,
// the ttr itself when it is one second, and no deadline when it is zero.
// When the stats cannot be read the default ttr is used instead.
func (j *Job) Timeout(ctx context.Context) time.Duration {
	m, err := j.metaStats(ctx)
	if err != nil {
		j.logger.Warn("job stats unavailable, using default ttr", "job_id", j.ID, "ttr", j.defaultTTR, "error", err)
		return timeoutFor(j.defaultTTR)
	}
	return timeoutFor(m.TTR)
}

func timeoutFor(ttr time.Duration) time.Duration {
	if ttr > time.Second {
		return ttr - time.Second
	}
	return ttr
}

// Retry fires the retry hooks and releases the job with delay.
// attempt is the number of releases so far.
func (j *Job) Retry(ctx context.Context, attempt int, delay time.Duration) error {
	if err := j.hooks.RunRetry(ctx, attempt, delay, j.Args); err != nil {
		j.logger.Warn("retry hook error", "job_id", j.ID, "name", j.Name, "error", err)
	}
	return j.link.Release(ctx, j.ID, j.priority(ctx), delay)
}

// Bury fires the bury hooks and buries the job.
func (j *Job) Bury(ctx context.Context) error {
	if err := j.hooks.RunBury(ctx, j.Args); err != nil {
		j.logger.Warn("bury hook error", "job_id", j.ID, "name", j.Name, "error", err)
	}
	return j.link.Bury(ctx, j.ID, j.priority(ctx))
}

// Touch fires the touch hooks and asks the broker for a fresh time-to-run.
func (j *Job) Touch(ctx context.Context) error {
	if err := j.hooks.RunTouch(ctx, j.Args); err != nil {
		j.logger.Warn("touch hook error", "job_id", j.ID, "name", j.Name, "error", err)
	}
	return j.link.Touch(ctx, j.ID)
}

// Stats reads the job's current broker statistics.
func (j *Job) Stats(ctx context.Context) (broker.JobStats, error) {
	s, err := j.link.StatsJob(ctx, j.ID)
	if err != nil {
		return broker.JobStats{}, err
	}
	j.mu.Lock()
	j.meta = &s
	j.mu.Unlock()
	return s, nil
}

// Releases returns how many times the broker has released the job.
func (j *Job) Releases(ctx context.Context) (int, error) {
	s, err := j.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return s.Releases, nil
}

// Info identifies the job for error handlers, events and history.
func (j *Job) Info() core.JobInfo {
	info := core.JobInfo{ID: j.ID, Endpoint: j.link.Endpoint().String()}
	j.mu.Lock()
	if j.meta != nil {
		info.Tube = j.meta.Tube
		info.Releases = j.meta.Releases
	}
	j.mu.Unlock()
	return info
}

// Hooks returns the hooks resolved for the job's class.
func (j *Job) Hooks() hooks.Hooks { return j.hooks }

// metaStats returns cached stats, fetching them once. Tube, ttr and
// priority do not change while the job is reserved.
func (j *Job) metaStats(ctx context.Context) (broker.JobStats, error) {
	j.mu.Lock()
	m := j.meta
	j.mu.Unlock()
	if m != nil {
		return *m, nil
	}
	return j.Stats(ctx)
}

func (j *Job) priority(ctx context.Context) uint32 {
	m, err := j.metaStats(ctx)
	if err != nil {
		if !errors.Is(err, broker.ErrNotFound) {
			j.logger.Debug("job stats unavailable", "job_id", j.ID, "error", err)
		}
		return fallbackPriority
	}
	return m.Priority
}
