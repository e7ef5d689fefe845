package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/config"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/job"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/metrics"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/queue"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/security"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/tube"
)

// Reserver hands out reserved jobs. *broker.Pool implements it.
type Reserver interface {
	Reserve(ctx context.Context, timeout time.Duration) (*broker.Reservation, error)
}

// JobError is returned by WorkOneJob when a reserved job failed. The retry
// or bury decision has already been applied.
type JobError struct {
	ID   uint64
	Name string
	Err  error
}

func (e *JobError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("job %d: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("job %d (%s): %v", e.ID, e.Name, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Worker processes jobs from the broker for the classes registered on a queue.
type Worker struct {
	queue   *queue.Queue
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	dial    broker.Dialer

	mu          sync.RWMutex
	tubeRetries map[string]int

	childMu  sync.Mutex
	children map[int]Child
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...Option) *Worker {
	o := Options{
		WorkerID:     uuid.New().String(),
		ScheduleTick: 100 * time.Millisecond,
		RespawnEvery: 100 * time.Millisecond,
		RespawnBurst: 1,
	}
	for _, opt := range opts {
		opt.ApplyWorker(&o)
	}

	w := &Worker{
		queue:       q,
		cfg:         q.Config(),
		opts:        o,
		logger:      q.Logger(),
		metrics:     q.Metrics(),
		dial:        q.Dialer(),
		tubeRetries: make(map[string]int),
		children:    make(map[int]Child),
	}
	if o.Logger != nil {
		w.logger = o.Logger
	}
	if o.Metrics != nil {
		w.metrics = o.Metrics
	}
	if o.Dialer != nil {
		w.dial = o.Dialer
	}
	if w.opts.Spawner == nil {
		w.opts.Spawner = &ExecSpawner{}
	}
	w.logger = w.logger.With("worker_id", o.WorkerID)
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.opts.WorkerID }

// Start runs the configured strategy until ctx is cancelled.
// A clean shutdown returns nil.
func (w *Worker) Start(ctx context.Context) error {
	name := w.opts.Strategy
	if name == "" {
		name = w.cfg.DefaultWorker
	}
	s, err := StrategyFor(name)
	if err != nil {
		return err
	}
	specs, err := parseSpecs(w.opts.Tubes)
	if err != nil {
		return err
	}

	if w.opts.EnableScheduler {
		go w.runScheduler(ctx)
	}

	w.logger.Info("worker starting", "strategy", s.Name(), "tubes", specNames(specs))
	err = s.Run(ctx, w, specs)
	w.logger.Info("worker stopped", "strategy", s.Name())
	return err
}

// NewPool dials a connection pool over every configured broker endpoint.
// Each goroutine or child that loops WorkOneJob uses its own pool.
func (w *Worker) NewPool(ctx context.Context) (*broker.Pool, error) {
	eps, err := broker.ParseEndpoints(w.cfg.BrokerURLs...)
	if err != nil {
		return nil, err
	}
	return broker.NewPool(ctx, eps, w.dial,
		broker.WithStickyPuts(w.cfg.StickyPuts),
		broker.WithQuarantineInterval(w.cfg.QuarantineInterval),
		broker.WithPoolLogger(w.logger),
		broker.WithPoolMetrics(w.metrics),
		broker.WithOnReconnect(func(l *broker.Link) {
			w.logger.Info("broker connected", "endpoint", l.Endpoint().String(), "tubes", l.Watched())
		}),
	)
}

// Prepare resolves the tubes to work and makes pool watch exactly those.
// With nothing requested it falls back to Config.DefaultQueues, then to every
// registered class tube plus every broker tube under the namespace.
func (w *Worker) Prepare(ctx context.Context, pool *broker.Pool, requested []string) ([]string, error) {
	tubes, err := w.resolveTubes(ctx, requested, pool.Tubes)
	if err != nil {
		return nil, err
	}
	pool.Watch(tubes...)
	w.logger.Info("working tubes", "tubes", tubes)
	return tubes, nil
}

// resolveTubes expands requested names into tube names. list is only called
// when neither names nor default queues are configured.
func (w *Worker) resolveTubes(ctx context.Context, requested []string, list func(context.Context) ([]string, error)) ([]string, error) {
	specs, err := parseSpecs(requested)
	if err != nil {
		return nil, err
	}
	names := specNames(specs)
	if len(names) == 0 {
		names = tube.Normalize(w.cfg.DefaultQueues...)
	}
	if len(names) == 0 {
		names = w.queue.Tubes()
		if list != nil {
			existing, err := list(ctx)
			if err != nil {
				return nil, fmt.Errorf("jobs: list tubes: %w", err)
			}
			prefix := w.cfg.TubePrefix()
			for _, t := range existing {
				if strings.HasPrefix(t, prefix) {
					names = append(names, t)
				}
			}
		}
	}

	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		t := w.cfg.TubeName(n)
		if seen[t] {
			continue
		}
		if err := security.ValidateTubeName(t); err != nil {
			return nil, fmt.Errorf("%w: %q", err, t)
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no tubes to work", core.ErrInvalidConfig)
	}
	return out, nil
}

// setTubeRetries records per-tube retry overrides from specs.
func (w *Worker) setTubeRetries(specs []tube.Spec) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range specs {
		if s.Retries != nil {
			w.tubeRetries[w.cfg.TubeName(s.Name)] = security.ClampRetries(*s.Retries)
		}
	}
}

// maxRetries resolves the retry limit: class setting, then tube setting,
// then Config.MaxJobRetries.
func (w *Worker) maxRetries(name, tubeName string) int {
	if n, ok := w.queue.MaxRetries(name); ok {
		return n
	}
	w.mu.RLock()
	n, ok := w.tubeRetries[tubeName]
	w.mu.RUnlock()
	if ok {
		return n
	}
	return w.cfg.MaxJobRetries
}

// WorkOneJob reserves one job from r and processes it. A reserve timeout
// returns nil. Job failures are retried or buried and returned as *JobError.
func (w *Worker) WorkOneJob(ctx context.Context, r Reserver) error {
	_, err := w.workOne(ctx, r)
	return err
}

// workOne reports whether a job was reserved.
func (w *Worker) workOne(ctx context.Context, r Reserver) (bool, error) {
	res, err := r.Reserve(ctx, w.cfg.ReserveTimeout)
	if errors.Is(err, broker.ErrReserveTimeout) || errors.Is(err, broker.ErrDeadlineSoon) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, w.handle(ctx, res)
}

func (w *Worker) handle(ctx context.Context, res *broker.Reservation) error {
	// In-flight jobs finish even when shutdown cancels ctx.
	ctx = context.WithoutCancel(ctx)

	j, err := job.New(ctx, res, w.queue,
		job.WithWorkerID(w.opts.WorkerID),
		job.WithLogger(w.logger),
		job.WithDefaultTTR(w.cfg.RespondTimeout),
	)
	if err != nil {
		info := core.JobInfo{ID: res.ID}
		if res.Link != nil {
			info.Endpoint = res.Link.Endpoint().String()
		}
		w.logger.Error("job format invalid, burying", "job_id", res.ID, "error", err)
		w.queue.Emit(&core.JobBuried{Job: info, Error: err, Timestamp: time.Now()})
		w.metrics.ObserveJob("", string(core.OutcomeBuried), 0)
		w.record(ctx, info, "", nil, core.OutcomeBuried, 1, err, 0)
		return &JobError{ID: res.ID, Err: err}
	}

	w.logger.Info("work job", "name", j.Name, "args", j.Args.String(), "job_id", j.ID)
	w.queue.Emit(&core.JobStarted{Job: j.Info(), Name: j.Name, Timestamp: time.Now()})

	start := time.Now()
	err = j.Process(ctx)
	elapsed := time.Since(start)
	info := j.Info()

	switch {
	case err == nil:
		w.logger.Info("completed job", "name", j.Name, "job_id", j.ID, "duration", elapsed)
		w.queue.Emit(&core.JobCompleted{Job: info, Name: j.Name, Duration: elapsed, Timestamp: time.Now()})
		w.metrics.ObserveJob(info.Tube, string(core.OutcomeCompleted), elapsed)
		w.record(ctx, info, j.Name, j.Args, core.OutcomeCompleted, info.Releases+1, nil, elapsed)
		return nil
	case errors.Is(err, core.ErrHalted):
		w.logger.Info("job halted by before_perform hook", "name", j.Name, "job_id", j.ID)
		w.metrics.ObserveJob(info.Tube, string(core.OutcomeHalted), elapsed)
		w.record(ctx, info, j.Name, j.Args, core.OutcomeHalted, info.Releases+1, nil, elapsed)
		return nil
	}

	w.fail(ctx, j, err, elapsed)
	return &JobError{ID: j.ID, Name: j.Name, Err: err}
}

// fail applies the retry or bury decision for a failed attempt.
func (w *Worker) fail(ctx context.Context, j *job.Job, cause error, elapsed time.Duration) {
	w.logger.Error("job failed", "name", j.Name, "job_id", j.ID,
		"error_type", fmt.Sprintf("%T", cause), "error", cause)
	w.queue.Emit(&core.JobFailed{Job: j.Info(), Name: j.Name, Error: cause, Timestamp: time.Now()})

	outcome := core.OutcomeFailed
	releases, err := j.Releases(ctx)
	info := j.Info()

	switch {
	case errors.Is(err, broker.ErrNotFound):
		w.logger.Warn("job no longer on broker, skipping retry", "name", j.Name, "job_id", j.ID)
	case err != nil:
		w.logger.Error("failed to read job stats", "name", j.Name, "job_id", j.ID, "error", err)
	default:
		limit := w.maxRetries(j.Name, info.Tube)
		var noRetry *core.NoRetryError
		if errors.As(cause, &noRetry) || releases >= limit {
			w.logger.Error(fmt.Sprintf("attempt %d of %d, burying", releases+1, limit+1), "name", j.Name, "job_id", j.ID)
			if err := j.Bury(ctx); err != nil {
				w.logger.Error("failed to bury job", "job_id", j.ID, "error", err)
				break
			}
			outcome = core.OutcomeBuried
			w.queue.Emit(&core.JobBuried{Job: info, Name: j.Name, Error: cause, Timestamp: time.Now()})
			break
		}

		delay := w.cfg.RetryDelayFor(releases)
		var after *core.RetryAfterError
		if errors.As(cause, &after) {
			delay = security.ClampDelay(after.Delay)
		}
		w.logger.Warn(fmt.Sprintf("attempt %d of %d, retrying in %ds", releases+1, limit+1, int(delay/time.Second)),
			"name", j.Name, "job_id", j.ID)
		if err := j.Retry(ctx, releases, delay); err != nil {
			w.logger.Error("failed to release job", "job_id", j.ID, "error", err)
			break
		}
		outcome = core.OutcomeRetried
		w.queue.Emit(&core.JobRetrying{Job: info, Name: j.Name, Attempt: releases + 1, Delay: delay, Error: cause, Timestamp: time.Now()})
	}

	w.onError(cause, j.Name, j.Args, info)
	w.metrics.ObserveJob(info.Tube, string(outcome), elapsed)
	w.record(ctx, info, j.Name, j.Args, outcome, releases+1, cause, elapsed)
}

func (w *Worker) onError(err error, name string, args core.Args, info core.JobInfo) {
	if w.cfg.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("error handler panicked", "name", name, "job_id", info.ID, "panic", r)
		}
	}()
	w.cfg.OnError(err, name, args, info)
}

func (w *Worker) record(ctx context.Context, info core.JobInfo, name string, args core.Args, outcome core.Outcome, attempt int, cause error, elapsed time.Duration) {
	if w.opts.History == nil {
		return
	}
	rec := &core.JobRecord{
		ID:         uuid.New().String(),
		BrokerID:   info.ID,
		Class:      name,
		Tube:       info.Tube,
		Endpoint:   info.Endpoint,
		Outcome:    outcome,
		Attempt:    attempt,
		DurationMS: elapsed.Milliseconds(),
		WorkerID:   w.opts.WorkerID,
	}
	if args != nil {
		rec.Args = []byte(args.String())
	}
	if cause != nil {
		rec.Error = security.SanitizeErrorMessage(cause.Error())
	}
	if err := w.opts.History.Record(ctx, rec); err != nil {
		w.logger.Warn("failed to record job history", "job_id", info.ID, "error", err)
	}
}

// loop runs WorkOneJob until ctx is cancelled or the pool has no endpoint left.
func (w *Worker) loop(ctx context.Context, pool *broker.Pool) error {
	for ctx.Err() == nil {
		err := w.WorkOneJob(ctx, pool)
		if err == nil {
			continue
		}
		var je *JobError
		switch {
		case errors.As(err, &je):
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, core.ErrNoActiveConnection):
			if pool.RecoverQuarantined(ctx) == 0 {
				return err
			}
		default:
			w.logger.Error("reserve failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

func parseSpecs(entries []string) ([]tube.Spec, error) {
	var specs []tube.Spec
	for _, e := range tube.Normalize(entries...) {
		s, err := tube.ParseSpec(e)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
		}
		specs = append(specs, s)
	}
	return specs, nil
}

func specNames(specs []tube.Spec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}
