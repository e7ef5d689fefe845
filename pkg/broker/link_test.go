package broker_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker/brokertest"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

var local = broker.Endpoint{Host: "127.0.0.1", Port: 11300}

func fastRetry() broker.RetryConfig {
	return broker.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
}

func TestLink_PutReserveDelete(t *testing.T) {
	srv := brokertest.NewServer()
	ctx := context.Background()
	link, err := broker.NewLink(ctx, local, srv.Dial)
	require.NoError(t, err)
	defer link.Close()

	id, err := link.Put(ctx, "mailer", []byte(`{"class":"M","args":[]}`), broker.PutParams{Priority: 10, TTR: 30 * time.Second})
	require.NoError(t, err)

	link.Watch("mailer")
	res, err := link.Reserve(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, id, res.ID)
	assert.Same(t, link, res.Link)

	stats, err := link.StatsJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reserved", stats.State)
	assert.Equal(t, 30*time.Second, stats.TTR)
	assert.Equal(t, uint32(10), stats.Priority)

	require.NoError(t, link.Delete(ctx, id))
	_, err = link.StatsJob(ctx, id)
	assert.ErrorIs(t, err, broker.ErrNotFound)
}

func TestLink_ReserveTimeout(t *testing.T) {
	srv := brokertest.NewServer()
	link, err := broker.NewLink(context.Background(), local, srv.Dial)
	require.NoError(t, err)

	link.Watch("empty")
	_, err = link.Reserve(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrReserveTimeout)
}

func TestLink_WatchReplacesSet(t *testing.T) {
	srv := brokertest.NewServer()
	ctx := context.Background()
	link, err := broker.NewLink(ctx, local, srv.Dial)
	require.NoError(t, err)

	srv.PutRaw("a", []byte("a"), 0, 0, time.Minute)
	link.Watch("a", "b")
	link.Watch("b")
	assert.Equal(t, []string{"b"}, link.Watched())

	_, err = link.Reserve(ctx, 0)
	assert.ErrorIs(t, err, broker.ErrReserveTimeout)

	link.Watch("a", "b")
	link.Ignore("b")
	res, err := link.Reserve(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), res.Body)
}

func TestLink_ReconnectsAndRetries(t *testing.T) {
	srv := brokertest.NewServer()
	ctx := context.Background()
	var reconnects atomic.Int32
	link, err := broker.NewLink(ctx, local, srv.Dial,
		broker.WithRetry(fastRetry()),
		broker.WithReconnectCallback(func(l *broker.Link) {
			reconnects.Add(1)
			l.Watch("after-reconnect")
		}),
	)
	require.NoError(t, err)

	srv.FailNext("put", fmt.Errorf("%w: broken pipe", core.ErrNotConnected))
	_, err = link.Put(ctx, "t", []byte("x"), broker.PutParams{TTR: time.Second})
	require.NoError(t, err)

	assert.Equal(t, int32(1), reconnects.Load())
	assert.Equal(t, 2, srv.Dials())
	assert.Equal(t, []string{"after-reconnect"}, link.Watched())
	assert.Equal(t, 1, srv.Count("put"))
}

func TestLink_RetriesExhausted(t *testing.T) {
	srv := brokertest.NewServer()
	ctx := context.Background()
	link, err := broker.NewLink(ctx, local, srv.Dial, broker.WithRetry(fastRetry()))
	require.NoError(t, err)

	srv.SetDown(true)
	_, err = link.Put(ctx, "t", []byte("x"), broker.PutParams{})
	assert.ErrorIs(t, err, core.ErrNotConnected)
	assert.False(t, link.Connected())
	assert.Equal(t, 3, srv.Dials())

	srv.SetDown(false)
	_, err = link.Put(ctx, "t", []byte("x"), broker.PutParams{})
	assert.NoError(t, err)
	assert.True(t, link.Connected())
}

func TestLink_ProtocolErrorsNotRetried(t *testing.T) {
	srv := brokertest.NewServer()
	ctx := context.Background()
	link, err := broker.NewLink(ctx, local, srv.Dial, broker.WithRetry(fastRetry()))
	require.NoError(t, err)

	err = link.Bury(ctx, 999, 0)
	assert.ErrorIs(t, err, broker.ErrNotFound)
	assert.Equal(t, 1, srv.Dials())
}

func TestLink_DialFailure(t *testing.T) {
	srv := brokertest.NewServer()
	srv.SetDown(true)

	_, err := broker.NewLink(context.Background(), local, srv.Dial, broker.WithRetry(fastRetry()))
	assert.ErrorIs(t, err, core.ErrNotConnected)
	assert.Equal(t, 3, srv.Dials())
}

func TestLink_ClosedRejectsOperations(t *testing.T) {
	srv := brokertest.NewServer()
	link, err := broker.NewLink(context.Background(), local, srv.Dial)
	require.NoError(t, err)

	require.NoError(t, link.Close())
	_, err = link.Put(context.Background(), "t", nil, broker.PutParams{})
	assert.ErrorIs(t, err, broker.ErrLinkClosed)
}

func TestLink_Reconnect(t *testing.T) {
	srv := brokertest.NewServer()
	ctx := context.Background()
	var calls atomic.Int32
	link, err := broker.NewLink(ctx, local, srv.Dial, broker.WithReconnectCallback(func(*broker.Link) { calls.Add(1) }))
	require.NoError(t, err)

	require.NoError(t, link.Reconnect(ctx))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, srv.Dials())
	assert.True(t, link.Connected())
}
