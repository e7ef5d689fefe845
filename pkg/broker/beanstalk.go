package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/beanstalkd/go-beanstalk"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

// BeanstalkDialer returns a Dialer for real beanstalkd brokers.
func BeanstalkDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, ep Endpoint) (Conn, error) {
		d := net.Dialer{Timeout: timeout}
		nc, err := d.DialContext(ctx, "tcp", ep.Addr())
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", core.ErrNotConnected, ep, err)
		}
		return &beanstalkConn{
			c:     beanstalk.NewConn(nc),
			tubes: make(map[string]*beanstalk.Tube),
		}, nil
	}
}

type beanstalkConn struct {
	c     *beanstalk.Conn
	tubes map[string]*beanstalk.Tube
	set   *beanstalk.TubeSet
	setID string
}

func (b *beanstalkConn) Put(tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	t, ok := b.tubes[tube]
	if !ok {
		t = &beanstalk.Tube{Conn: b.c, Name: tube}
		b.tubes[tube] = t
	}
	id, err := t.Put(body, pri, delay, ttr)
	return id, classify("put", err)
}

func (b *beanstalkConn) Reserve(tubes []string, timeout time.Duration) (uint64, []byte, error) {
	key := strings.Join(tubes, "\x00")
	if b.set == nil || b.setID != key {
		b.set = beanstalk.NewTubeSet(b.c, tubes...)
		b.setID = key
	}
	id, body, err := b.set.Reserve(timeout)
	return id, body, classify("reserve", err)
}

func (b *beanstalkConn) Delete(id uint64) error {
	return classify("delete", b.c.Delete(id))
}

func (b *beanstalkConn) Release(id uint64, pri uint32, delay time.Duration) error {
	return classify("release", b.c.Release(id, pri, delay))
}

func (b *beanstalkConn) Bury(id uint64, pri uint32) error {
	return classify("bury", b.c.Bury(id, pri))
}

func (b *beanstalkConn) Touch(id uint64) error {
	return classify("touch", b.c.Touch(id))
}

func (b *beanstalkConn) StatsJob(id uint64) (map[string]string, error) {
	m, err := b.c.StatsJob(id)
	return m, classify("stats-job", err)
}

func (b *beanstalkConn) Stats() (map[string]string, error) {
	m, err := b.c.Stats()
	return m, classify("stats", err)
}

func (b *beanstalkConn) ListTubes() ([]string, error) {
	tubes, err := b.c.ListTubes()
	return tubes, classify("list-tubes", err)
}

func (b *beanstalkConn) Close() error {
	return b.c.Close()
}

// classify maps go-beanstalk errors onto the package's error set: transport
// failures become core.ErrNotConnected so Link knows to reconnect.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	cause := err
	var ce beanstalk.ConnError
	if errors.As(err, &ce) {
		cause = ce.Err
	}
	switch {
	case errors.Is(cause, beanstalk.ErrTimeout):
		return ErrReserveTimeout
	case errors.Is(cause, beanstalk.ErrDeadline):
		return ErrDeadlineSoon
	case errors.Is(cause, beanstalk.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isTransportError(cause):
		return fmt.Errorf("%w: %s: %v", core.ErrNotConnected, op, cause)
	}
	return fmt.Errorf("jobs: %s: %w", op, err)
}

func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
