package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/metrics"
)

// Pool defaults.
const (
	DefaultStickyPuts         = 5
	DefaultQuarantineInterval = 15 * time.Second
)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithStickyPuts sets how many consecutive successful puts go to the same
// link before rotating to the next one.
func WithStickyPuts(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.sticky = n
		}
	}
}

// WithQuarantineInterval sets how long an endpoint stays quarantined before
// it is dialed again.
func WithQuarantineInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithClock replaces time.Now for quarantine bookkeeping.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// WithLinkRetry sets the retry bounds of the pool's links.
func WithLinkRetry(rc RetryConfig) PoolOption {
	return func(p *Pool) { p.linkRetry = rc }
}

// WithPoolLogger sets the logger for the pool and its links.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPoolMetrics publishes endpoint health.
func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithOnReconnect is called for every link the pool (re)establishes,
// including links recovered from quarantine.
func WithOnReconnect(fn func(*Link)) PoolOption {
	return func(p *Pool) { p.onReconnect = fn }
}

type quarantined struct {
	endpoint Endpoint
	retryAt  time.Time
	cause    error
}

// Pool owns one Link per endpoint. Every endpoint is either healthy (has a
// link) or quarantined.
type Pool struct {
	endpoints   []Endpoint
	dial        Dialer
	sticky      int
	interval    time.Duration
	linkRetry   RetryConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	onReconnect func(*Link)

	mu         sync.Mutex
	links      []*Link
	quarantine []quarantined
	cursor     int
	streak     int
	reserveIdx int
	watched    []string
	closed     bool
}

// NewPool dials every endpoint. Endpoints that cannot be reached start in
// quarantine; if none can be reached it fails with core.ErrNoActiveConnection.
func NewPool(ctx context.Context, endpoints []Endpoint, dial Dialer, opts ...PoolOption) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: no endpoints", core.ErrBadEndpoint)
	}
	p := &Pool{
		endpoints: append([]Endpoint(nil), endpoints...),
		dial:      dial,
		sticky:    DefaultStickyPuts,
		interval:  DefaultQuarantineInterval,
		linkRetry: PoolLinkRetry(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.links, p.quarantine = p.connectAll(ctx, nil)

	p.mu.Lock()
	p.publishLocked()
	err := p.requireHealthyLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// connectAll dials every configured endpoint into links or quarantine.
// It does not touch the pool's bookkeeping, so callers dial without p.mu.
func (p *Pool) connectAll(ctx context.Context, watched []string) ([]*Link, []quarantined) {
	var (
		links []*Link
		bad   []quarantined
	)
	for _, ep := range p.endpoints {
		link, err := p.newLink(ctx, ep)
		if err != nil {
			bad = append(bad, quarantined{endpoint: ep, retryAt: p.now().Add(p.interval), cause: err})
			p.logger.Warn("broker endpoint quarantined", "endpoint", ep.String(), "error", err)
			continue
		}
		link.Watch(watched...)
		links = append(links, link)
	}
	return links, bad
}

func (p *Pool) requireHealthyLocked() error {
	if len(p.links) > 0 {
		return nil
	}
	var last error
	if n := len(p.quarantine); n > 0 {
		last = p.quarantine[n-1].cause
	}
	return fmt.Errorf("%w: %v", core.ErrNoActiveConnection, last)
}

func (p *Pool) newLink(ctx context.Context, ep Endpoint) (*Link, error) {
	link, err := NewLink(ctx, ep, p.dial,
		WithRetry(p.linkRetry),
		WithLinkLogger(p.logger),
		WithLinkMetrics(p.metrics),
		WithReconnectCallback(p.onReconnect),
	)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// Put stores a job, failing over to the next healthy link when the current
// one cannot reach its broker.
func (p *Pool) Put(ctx context.Context, tube string, body []byte, params PutParams) (uint64, error) {
	p.maybeRecover(ctx)
	for {
		link, err := p.current()
		if err != nil {
			return 0, err
		}
		id, err := link.Put(ctx, tube, body, params)
		if err == nil {
			p.succeeded(link)
			return id, nil
		}
		if !lost(err) {
			return 0, err
		}
		p.quarantineLink(link, err)
	}
}

// lost reports whether err means the link can no longer serve requests:
// its broker is unreachable, or another caller already quarantined it.
func lost(err error) bool {
	return errors.Is(err, core.ErrNotConnected) || errors.Is(err, ErrLinkClosed)
}

// Reserve checks every healthy link without waiting, then waits up to
// timeout on one link chosen round-robin.
func (p *Pool) Reserve(ctx context.Context, timeout time.Duration) (*Reservation, error) {
	p.maybeRecover(ctx)
	links := p.snapshot()
	if len(links) == 0 {
		return nil, core.ErrNoActiveConnection
	}

	if len(links) > 1 {
		for _, link := range links {
			res, err := link.Reserve(ctx, 0)
			switch {
			case err == nil:
				return res, nil
			case errors.Is(err, ErrReserveTimeout):
			case lost(err):
				p.quarantineLink(link, err)
			default:
				return nil, err
			}
		}
	}

	p.mu.Lock()
	if len(p.links) == 0 {
		p.mu.Unlock()
		return nil, core.ErrNoActiveConnection
	}
	link := p.links[p.reserveIdx%len(p.links)]
	p.reserveIdx++
	p.mu.Unlock()

	res, err := link.Reserve(ctx, timeout)
	if lost(err) {
		p.quarantineLink(link, err)
		if len(p.Healthy()) == 0 {
			return nil, core.ErrNoActiveConnection
		}
		return nil, ErrReserveTimeout
	}
	return res, err
}

// Watch sets the watched tubes on every link, including links added later.
func (p *Pool) Watch(tubes ...string) {
	p.mu.Lock()
	p.watched = append([]string(nil), tubes...)
	links := append([]*Link(nil), p.links...)
	p.mu.Unlock()
	for _, l := range links {
		l.Watch(tubes...)
	}
}

// Watched returns the pool's watched tubes.
func (p *Pool) Watched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.watched...)
}

// Tubes returns the sorted union of tube names across healthy links.
func (p *Pool) Tubes(ctx context.Context) ([]string, error) {
	links := p.snapshot()
	if len(links) == 0 {
		return nil, core.ErrNoActiveConnection
	}
	seen := make(map[string]bool)
	var lastErr error
	ok := false
	for _, link := range links {
		tubes, err := link.ListTubes(ctx)
		if err != nil {
			if errors.Is(err, core.ErrNotConnected) {
				p.quarantineLink(link, err)
			}
			lastErr = err
			continue
		}
		ok = true
		for _, t := range tubes {
			seen[t] = true
		}
	}
	if !ok {
		return nil, lastErr
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Reconnect closes every link and dials every endpoint again. The old links
// keep serving while the new ones are dialed.
func (p *Pool) Reconnect(ctx context.Context) error {
	fresh, bad := p.connectAll(ctx, p.Watched())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, l := range fresh {
			_ = l.Close()
		}
		return ErrLinkClosed
	}
	old := p.links
	p.links = fresh
	p.quarantine = bad
	p.cursor, p.streak = 0, 0
	// Pick up a Watch that ran while dialing.
	for _, l := range fresh {
		l.Watch(p.watched...)
	}
	p.publishLocked()
	err := p.requireHealthyLocked()
	p.mu.Unlock()

	for _, l := range old {
		_ = l.Close()
	}
	for _, l := range fresh {
		p.metrics.Reconnected()
		if p.onReconnect != nil {
			p.onReconnect(l)
		}
	}
	return err
}

// RecoverQuarantined dials every quarantined endpoint now, regardless of its
// retry time, and returns how many rejoined.
func (p *Pool) RecoverQuarantined(ctx context.Context) int {
	return p.recover(ctx, true)
}

func (p *Pool) maybeRecover(ctx context.Context) {
	p.recover(ctx, false)
}

func (p *Pool) recover(ctx context.Context, force bool) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	now := p.now()
	var due []Endpoint
	for _, q := range p.quarantine {
		if force || !now.Before(q.retryAt) {
			due = append(due, q.endpoint)
		}
	}
	p.mu.Unlock()

	recovered := 0
	for _, ep := range due {
		link, err := p.newLink(ctx, ep)

		p.mu.Lock()
		idx := p.quarantineIndexLocked(ep)
		if idx < 0 || p.closed {
			p.mu.Unlock()
			if link != nil {
				_ = link.Close()
			}
			continue
		}
		if err != nil {
			p.quarantine[idx].retryAt = p.now().Add(p.interval)
			p.quarantine[idx].cause = err
			p.mu.Unlock()
			continue
		}
		p.quarantine = append(p.quarantine[:idx], p.quarantine[idx+1:]...)
		link.Watch(p.watched...)
		p.links = append(p.links, link)
		p.publishLocked()
		p.mu.Unlock()

		recovered++
		p.logger.Info("broker endpoint recovered", "endpoint", ep.String())
		p.metrics.Reconnected()
		if p.onReconnect != nil {
			p.onReconnect(link)
		}
	}
	return recovered
}

func (p *Pool) quarantineIndexLocked(ep Endpoint) int {
	for i, q := range p.quarantine {
		if q.endpoint == ep {
			return i
		}
	}
	return -1
}

// Healthy returns the endpoints currently serving traffic.
func (p *Pool) Healthy() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, len(p.links))
	for i, l := range p.links {
		out[i] = l.Endpoint()
	}
	return out
}

// Quarantined returns the endpoints waiting for recovery.
func (p *Pool) Quarantined() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, len(p.quarantine))
	for i, q := range p.quarantine {
		out[i] = q.endpoint
	}
	return out
}

// Close closes every link. The pool cannot be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	links := p.links
	p.links = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) current() (*Link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrLinkClosed
	}
	if len(p.links) == 0 {
		return nil, core.ErrNoActiveConnection
	}
	if p.cursor >= len(p.links) {
		p.cursor = 0
	}
	return p.links[p.cursor], nil
}

func (p *Pool) succeeded(link *Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor >= len(p.links) || p.links[p.cursor] != link {
		return
	}
	p.streak++
	if p.streak >= p.sticky {
		p.streak = 0
		p.cursor = (p.cursor + 1) % len(p.links)
	}
}

func (p *Pool) quarantineLink(link *Link, cause error) {
	p.mu.Lock()
	idx := -1
	for i, l := range p.links {
		if l == link {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.links = append(p.links[:idx], p.links[idx+1:]...)
	p.quarantine = append(p.quarantine, quarantined{
		endpoint: link.Endpoint(),
		retryAt:  p.now().Add(p.interval),
		cause:    cause,
	})
	if idx < p.cursor {
		p.cursor--
	}
	if p.cursor >= len(p.links) {
		p.cursor = 0
	}
	p.streak = 0
	p.publishLocked()
	p.mu.Unlock()

	_ = link.Close()
	p.logger.Warn("broker endpoint quarantined", "endpoint", link.Endpoint().String(), "error", cause)
}

func (p *Pool) snapshot() []*Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Link(nil), p.links...)
}

func (p *Pool) publishLocked() {
	p.metrics.SetEndpoints(len(p.links), len(p.quarantine))
}
