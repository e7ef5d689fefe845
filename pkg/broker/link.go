package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/metrics"
)

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithRetry sets the reconnect-and-retry bounds.
func WithRetry(rc RetryConfig) LinkOption {
	return func(l *Link) { l.retry = rc }
}

// WithLinkLogger sets the logger.
func WithLinkLogger(logger *slog.Logger) LinkOption {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithReconnectCallback is called after a replacement transport has been
// established. The callback may call Watch, Ignore and Watched but no
// broker operation on the same link.
func WithReconnectCallback(fn func(*Link)) LinkOption {
	return func(l *Link) { l.onReconnect = fn }
}

// WithLinkMetrics records reconnects.
func WithLinkMetrics(m *metrics.Metrics) LinkOption {
	return func(l *Link) { l.metrics = m }
}

// Link is one broker endpoint and its current transport. Operations are
// serialized; a dropped transport is replaced on the next attempt.
type Link struct {
	endpoint    Endpoint
	dial        Dialer
	retry       RetryConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	onReconnect func(*Link)

	opMu sync.Mutex

	mu      sync.Mutex
	conn    Conn
	watched []string
	closed  bool
}

// NewLink dials ep, retrying transport failures within the retry bounds.
func NewLink(ctx context.Context, ep Endpoint, dial Dialer, opts ...LinkOption) (*Link, error) {
	l := &Link{
		endpoint: ep,
		dial:     dial,
		retry:    DefaultRetryConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	err := retryWithBackoff(ctx, l.retry, func() error {
		conn, err := dial(ctx, ep)
		if err != nil {
			return err
		}
		l.conn = conn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Endpoint returns the link's broker address.
func (l *Link) Endpoint() Endpoint { return l.endpoint }

// Connected reports whether a transport is currently held.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && !l.closed
}

// Watch replaces the watched tube set. Tubes no longer listed are ignored
// from the next reserve on.
func (l *Link) Watch(tubes ...string) {
	l.mu.Lock()
	l.watched = append([]string(nil), tubes...)
	l.mu.Unlock()
}

// Ignore stops watching a single tube.
func (l *Link) Ignore(tube string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.watched[:0]
	for _, t := range l.watched {
		if t != tube {
			kept = append(kept, t)
		}
	}
	l.watched = kept
}

// Watched returns a copy of the watched tube set.
func (l *Link) Watched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.watched...)
}

// Put stores a job on tube.
func (l *Link) Put(ctx context.Context, tube string, body []byte, p PutParams) (uint64, error) {
	var id uint64
	err := l.do(ctx, func(c Conn) error {
		var err error
		id, err = c.Put(tube, body, p.Priority, p.Delay, p.TTR)
		return err
	})
	return id, err
}

// Reserve waits up to timeout for a job on the watched tubes. The wait is
// not interrupted by ctx; keep timeouts short. With nothing watched the
// broker's "default" tube is used.
func (l *Link) Reserve(ctx context.Context, timeout time.Duration) (*Reservation, error) {
	tubes := l.Watched()
	if len(tubes) == 0 {
		tubes = []string{"default"}
	}
	var res *Reservation
	err := l.do(ctx, func(c Conn) error {
		id, body, err := c.Reserve(tubes, timeout)
		if err != nil {
			return err
		}
		res = &Reservation{ID: id, Body: body, Link: l}
		return nil
	})
	return res, err
}

// Delete removes a job.
func (l *Link) Delete(ctx context.Context, id uint64) error {
	return l.do(ctx, func(c Conn) error { return c.Delete(id) })
}

// Release returns a reserved job to ready after delay.
func (l *Link) Release(ctx context.Context, id uint64, pri uint32, delay time.Duration) error {
	return l.do(ctx, func(c Conn) error { return c.Release(id, pri, delay) })
}

// Bury parks a reserved job.
func (l *Link) Bury(ctx context.Context, id uint64, pri uint32) error {
	return l.do(ctx, func(c Conn) error { return c.Bury(id, pri) })
}

// Touch extends a reservation by its time-to-run.
func (l *Link) Touch(ctx context.Context, id uint64) error {
	return l.do(ctx, func(c Conn) error { return c.Touch(id) })
}

// StatsJob returns the broker's stats for one job.
func (l *Link) StatsJob(ctx context.Context, id uint64) (JobStats, error) {
	var stats JobStats
	err := l.do(ctx, func(c Conn) error {
		m, err := c.StatsJob(id)
		if err != nil {
			return err
		}
		stats = ParseJobStats(m)
		return nil
	})
	return stats, err
}

// Stats returns the broker-wide stats.
func (l *Link) Stats(ctx context.Context) (map[string]string, error) {
	var stats map[string]string
	err := l.do(ctx, func(c Conn) error {
		var err error
		stats, err = c.Stats()
		return err
	})
	return stats, err
}

// ListTubes returns every tube on the broker.
func (l *Link) ListTubes(ctx context.Context) ([]string, error) {
	var tubes []string
	err := l.do(ctx, func(c Conn) error {
		var err error
		tubes, err = c.ListTubes()
		return err
	})
	return tubes, err
}

// Reconnect drops the current transport and dials a new one.
func (l *Link) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	old := l.conn
	l.conn = nil
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return l.do(ctx, func(Conn) error { return nil })
}

// Close releases the transport. A closed link rejects further operations.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.closed = true
	l.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (l *Link) do(ctx context.Context, fn func(Conn) error) error {
	return retryWithBackoff(ctx, l.retry, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.opMu.Lock()
		conn, fresh, err := l.acquire(ctx)
		if err != nil {
			l.opMu.Unlock()
			return err
		}
		err = fn(conn)
		if errors.Is(err, core.ErrNotConnected) {
			l.drop(conn, err)
		}
		l.opMu.Unlock()

		if fresh {
			l.metrics.Reconnected()
			if l.onReconnect != nil {
				l.onReconnect(l)
			}
		}
		return err
	})
}

// acquire returns the current transport, dialing a new one if needed.
// Callers hold opMu.
func (l *Link) acquire(ctx context.Context) (Conn, bool, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, false, ErrLinkClosed
	}
	if l.conn != nil {
		conn := l.conn
		l.mu.Unlock()
		return conn, false, nil
	}
	l.mu.Unlock()

	conn, err := l.dial(ctx, l.endpoint)
	if err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = conn.Close()
		return nil, false, ErrLinkClosed
	}
	l.conn = conn
	l.logger.Info("broker link reconnected", "endpoint", l.endpoint.String())
	return conn, true, nil
}

func (l *Link) drop(conn Conn, cause error) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
	_ = conn.Close()
	l.logger.Warn("broker link lost", "endpoint", l.endpoint.String(), "error", cause)
}
