package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/config"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/hooks"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/internal/handler"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/metrics"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/schedule"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/security"
)

// Putter stores encoded jobs on the broker. *broker.Pool implements it.
type Putter interface {
	Put(ctx context.Context, tube string, body []byte, params broker.PutParams) (uint64, error)
}

// Class is a registered job class.
type Class struct {
	Name       string
	Queue      string
	Priority   *int64
	TTR        time.Duration
	MaxRetries *int
	Perform    core.Performer
}

// Queue registers job classes and enqueues jobs onto the broker.
type Queue struct {
	cfg     *config.Config
	hooks   *hooks.Registry
	metrics *metrics.Metrics
	logger  *slog.Logger
	dial    broker.Dialer

	classes       map[string]*Class
	scheduledJobs map[string]*ScheduledJob
	mu            sync.RWMutex

	putter Putter
	pool   *broker.Pool
	connMu sync.Mutex

	eventSubs []chan core.Event
}

// ScheduledJob holds configuration for a recurring job.
type ScheduledJob struct {
	Name     string
	Schedule schedule.Schedule
	Args     []any
	Options  []Option
}

// QueueOption configures a Queue at construction.
type QueueOption func(*Queue)

// WithPutter sends jobs through p instead of a pool dialed from the Config.
func WithPutter(p Putter) QueueOption {
	return func(q *Queue) { q.putter = p }
}

// WithDialer sets the transport used when the queue dials its own pool.
func WithDialer(d broker.Dialer) QueueOption {
	return func(q *Queue) { q.dial = d }
}

// WithMetrics records enqueues in m.
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger overrides the Config logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a Queue. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...QueueOption) *Queue {
	if cfg == nil {
		cfg = config.Default()
	}
	q := &Queue{
		cfg:     cfg,
		hooks:   hooks.NewRegistry(),
		logger:  cfg.Log(),
		classes: make(map[string]*Class),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.dial == nil {
		q.dial = broker.BeanstalkDialer(cfg.DialTimeout)
	}
	return q
}

// Config returns the queue's configuration.
func (q *Queue) Config() *config.Config { return q.cfg }

// Logger returns the queue's logger.
func (q *Queue) Logger() *slog.Logger { return q.logger }

// Metrics returns the metrics set with WithMetrics, or nil.
func (q *Queue) Metrics() *metrics.Metrics { return q.metrics }

// Dialer returns the transport used for broker connections.
func (q *Queue) Dialer() broker.Dialer { return q.dial }

// Register registers a perform function for a job class.
// The function must have signature func([ctx context.Context,] args...) error.
// Class names are letters, digits and _ : . - / (max 255 chars).
func (q *Queue) Register(name string, fn any, opts ...Option) {
	h, err := handler.NewHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("jobs: handler for %q: %v", name, err))
	}
	q.register(name, h, opts)
}

func (q *Queue) register(name string, p core.Performer, opts []Option) {
	if err := security.ValidateClassName(name); err != nil {
		panic(fmt.Sprintf("jobs: invalid class name %q: %v", name, err))
	}
	o := collect(opts)
	c := &Class{
		Name:       name,
		Queue:      o.Queue,
		Priority:   o.Priority,
		TTR:        o.TTR,
		MaxRetries: o.MaxRetries,
		Perform:    p,
	}
	if c.Priority == nil && o.PriorityLabel != "" {
		if pri, ok := q.cfg.ResolvePriority(o.PriorityLabel); ok {
			c.Priority = &pri
		}
	}
	if err := security.ValidateTubeName(q.tubeFor(c, "")); err != nil {
		panic(fmt.Sprintf("jobs: invalid queue for %q: %v", name, err))
	}

	q.mu.Lock()
	q.classes[name] = c
	q.mu.Unlock()
	q.hooks.Add(name, o.Hooks)
}

// Use adds hooks that run for every class, before class hooks.
func (q *Queue) Use(h hooks.Hooks) {
	q.hooks.Use(h)
}

// AddHooks adds hooks for a class name. The class does not need a
// registered perform function.
func (q *Queue) AddHooks(name string, h hooks.Hooks) {
	q.hooks.Add(name, h)
}

// Hooks returns the global hooks followed by the hooks of name.
func (q *Queue) Hooks(name string) hooks.Hooks {
	return q.hooks.For(name)
}

// Lookup returns the perform function registered for name.
func (q *Queue) Lookup(name string) (core.Performer, bool) {
	c, ok := q.Class(name)
	if !ok || c.Perform == nil {
		return nil, false
	}
	return c.Perform, true
}

// Class returns the registered class.
func (q *Queue) Class(name string) (*Class, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	c, ok := q.classes[name]
	return c, ok
}

// HasHandler checks if a class is registered.
func (q *Queue) HasHandler(name string) bool {
	_, ok := q.Lookup(name)
	return ok
}

// MaxRetries returns the class-level retry override, if any.
func (q *Queue) MaxRetries(name string) (int, bool) {
	c, ok := q.Class(name)
	if !ok || c.MaxRetries == nil {
		return 0, false
	}
	return *c.MaxRetries, true
}

// Tubes returns the sorted, expanded tube names of all registered classes.
func (q *Queue) Tubes() []string {
	q.mu.RLock()
	seen := make(map[string]struct{}, len(q.classes))
	for _, c := range q.classes {
		seen[q.tubeFor(c, "")] = struct{}{}
	}
	q.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (q *Queue) tubeFor(c *Class, override string) string {
	name := override
	if name == "" && c != nil {
		name = c.Queue
		if name == "" {
			name = c.Name
		}
	}
	return q.cfg.TubeName(name)
}

// Enqueue puts a job for class name with positional args.
//
// Before-enqueue gates run first; a false gate returns core.ErrHalted and
// nothing is put. After-enqueue hooks run once the broker accepted the job.
// The class does not need to be registered in this process.
func (q *Queue) Enqueue(ctx context.Context, name string, args []any, opts ...Option) (uint64, error) {
	if err := security.ValidateClassName(name); err != nil {
		return 0, err
	}
	c, _ := q.Class(name)
	if c == nil {
		c = &Class{Name: name}
	}
	o := collect(opts)

	tubeName := q.tubeFor(c, o.Queue)
	if err := security.ValidateTubeName(tubeName); err != nil {
		return 0, err
	}
	params, err := q.putParams(c, o)
	if err != nil {
		return 0, err
	}

	payload, err := core.NewPayload(name, args...)
	if err != nil {
		return 0, err
	}
	h := q.hooks.For(name)
	ok, err := h.RunBeforeEnqueue(ctx, payload.Args)
	if err != nil {
		return 0, err
	}
	if !ok {
		q.logger.Debug("enqueue halted by hook", "name", name, "tube", tubeName)
		return 0, core.ErrHalted
	}

	body, err := payload.Encode()
	if err != nil {
		return 0, err
	}
	if err := security.ValidateBodySize(body); err != nil {
		return 0, err
	}

	p, err := q.producer(ctx)
	if err != nil {
		return 0, err
	}
	id, err := p.Put(ctx, tubeName, body, params)
	if err != nil {
		return 0, fmt.Errorf("jobs: failed to enqueue %s: %w", name, err)
	}
	q.metrics.JobEnqueued(tubeName)
	q.logger.Debug("job enqueued", "name", name, "tube", tubeName, "job_id", id,
		"priority", params.Priority, "delay", params.Delay, "ttr", params.TTR)

	if err := h.RunAfterEnqueue(ctx, payload.Args); err != nil {
		return id, err
	}
	return id, nil
}

func (q *Queue) putParams(c *Class, o *Options) (broker.PutParams, error) {
	pri := q.cfg.DefaultPriority
	switch {
	case o.Priority != nil:
		pri = *o.Priority
	case o.PriorityLabel != "":
		v, ok := q.cfg.ResolvePriority(o.PriorityLabel)
		if !ok {
			return broker.PutParams{}, fmt.Errorf("%w: unknown priority %q", core.ErrInvalidConfig, o.PriorityLabel)
		}
		pri = v
	case c.Priority != nil:
		pri = *c.Priority
	}

	ttr := q.cfg.RespondTimeout
	switch {
	case o.TTR > 0:
		ttr = o.TTR
	case c.TTR > 0:
		ttr = c.TTR
	}

	return broker.PutParams{
		Priority: security.ClampPriority(pri),
		Delay:    security.ClampDelay(o.Delay),
		TTR:      security.ClampTTR(ttr),
	}, nil
}

// producer returns the putter, dialing a pool from the Config on first use.
func (q *Queue) producer(ctx context.Context) (Putter, error) {
	q.connMu.Lock()
	defer q.connMu.Unlock()
	if q.putter != nil {
		return q.putter, nil
	}

	eps, err := broker.ParseEndpoints(q.cfg.BrokerURLs...)
	if err != nil {
		return nil, err
	}
	pool, err := broker.NewPool(ctx, eps, q.dial,
		broker.WithStickyPuts(q.cfg.StickyPuts),
		broker.WithQuarantineInterval(q.cfg.QuarantineInterval),
		broker.WithPoolLogger(q.logger),
		broker.WithPoolMetrics(q.metrics),
	)
	if err != nil {
		return nil, err
	}
	q.pool = pool
	q.putter = pool
	return pool, nil
}

// Close closes the pool the queue dialed for itself, if any.
func (q *Queue) Close() error {
	q.connMu.Lock()
	defer q.connMu.Unlock()
	if q.pool == nil {
		return nil
	}
	err := q.pool.Close()
	q.pool, q.putter = nil, nil
	return err
}

// Schedule registers a recurring enqueue of name with args.
// Workers started with the scheduler enabled run it.
func (q *Queue) Schedule(name string, sched schedule.Schedule, args []any, opts ...Option) {
	if err := security.ValidateClassName(name); err != nil {
		panic(fmt.Sprintf("jobs: invalid class name %q: %v", name, err))
	}
	q.mu.Lock()
	if q.scheduledJobs == nil {
		q.scheduledJobs = make(map[string]*ScheduledJob)
	}
	q.scheduledJobs[name] = &ScheduledJob{
		Name:     name,
		Schedule: sched,
		Args:     args,
		Options:  opts,
	}
	q.mu.Unlock()
}

// ScheduledJobs returns a copy of the registered recurring jobs.
func (q *Queue) ScheduledJobs() map[string]*ScheduledJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]*ScheduledJob, len(q.scheduledJobs))
	for k, v := range q.scheduledJobs {
		out[k] = v
	}
	return out
}

// Events returns a channel for receiving worker events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; after Unsubscribe returns no further events
// are sent to it.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full
		}
	}
}

// WorkerFactory is set by the root package to create workers.
// This avoids import cycles between queue and worker packages.
var WorkerFactory func(q *Queue, opts ...any) core.Starter

// NewWorker creates a new worker for this queue.
// Options should be worker.Option values.
func (q *Queue) NewWorker(opts ...any) core.Starter {
	if WorkerFactory == nil {
		panic("jobs: WorkerFactory not initialized - import github.com/jdziat/simple-beanstalk-jobs to initialize")
	}
	return WorkerFactory(q, opts...)
}
