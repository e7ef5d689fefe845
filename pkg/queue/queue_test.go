package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker/brokertest"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/config"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/hooks"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/metrics"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/schedule"
)

const ns = "backburner.worker.queue."

func newTestQueue(t *testing.T, opts ...QueueOption) (*Queue, *brokertest.Server) {
	t.Helper()
	srv := brokertest.NewServer()
	opts = append([]QueueOption{WithDialer(srv.Dial)}, opts...)
	q := New(config.Default(), opts...)
	t.Cleanup(func() { q.Close() })
	return q, srv
}

func decodeOnly(t *testing.T, srv *brokertest.Server, tube string) (brokertest.Job, core.Payload) {
	t.Helper()
	jobs := srv.Jobs(tube, "")
	require.Len(t, jobs, 1)
	p, err := core.DecodePayload(jobs[0].Body)
	require.NoError(t, err)
	return jobs[0], p
}

func TestQueue_Register(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Register("TestJob", func(ctx context.Context, n int) error { return nil })

	assert.True(t, q.HasHandler("TestJob"))
	assert.False(t, q.HasHandler("Other"))
	p, ok := q.Lookup("TestJob")
	assert.True(t, ok)
	assert.NotNil(t, p)
}

func TestQueue_Register_Panics(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.Panics(t, func() { q.Register("TestJob", "not a func") })
	assert.Panics(t, func() { q.Register("1bad name", func() error { return nil }) })
	assert.Panics(t, func() {
		q.Register("Good", func() error { return nil }, QueueOpt("bad queue"))
	})
}

func TestQueue_Enqueue_Defaults(t *testing.T) {
	q, srv := newTestQueue(t)
	q.Register("TestJob", func(ctx context.Context, a int, b string) error { return nil })

	id, err := q.Enqueue(context.Background(), "TestJob", []any{1, "x"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	job, p := decodeOnly(t, srv, ns+"test-job")
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "TestJob", p.Class)
	assert.Equal(t, `[1,"x"]`, p.Args.String())
	assert.Equal(t, uint32(65536), job.Priority)
	assert.Equal(t, 120*time.Second, job.TTR)
	assert.Zero(t, job.Delay)
	assert.Equal(t, brokertest.StateReady, job.State)
}

func TestQueue_Enqueue_Options(t *testing.T) {
	q, srv := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "TestJob", []any{1},
		PriorityLabel("high"), Delay(10*time.Second), TTR(30*time.Second), QueueOpt("urgent"))
	require.NoError(t, err)

	job, _ := decodeOnly(t, srv, ns+"urgent")
	assert.Equal(t, uint32(0), job.Priority)
	assert.Equal(t, 10*time.Second, job.Delay)
	assert.Equal(t, 30*time.Second, job.TTR)
	assert.Equal(t, brokertest.StateDelayed, job.State)
}

func TestQueue_Enqueue_ClassSettings(t *testing.T) {
	q, srv := newTestQueue(t)
	q.Register("Mailer::Deliver", func() error { return nil },
		QueueOpt("mailer"), Priority(5), TTR(10*time.Second))

	_, err := q.Enqueue(context.Background(), "Mailer::Deliver", nil)
	require.NoError(t, err)

	job, p := decodeOnly(t, srv, ns+"mailer")
	assert.Equal(t, uint32(5), job.Priority)
	assert.Equal(t, 10*time.Second, job.TTR)
	assert.Equal(t, "[]", p.Args.String())

	// Enqueue options win over class settings.
	_, err = q.Enqueue(context.Background(), "Mailer::Deliver", nil, Priority(7))
	require.NoError(t, err)
	jobs := srv.Jobs(ns+"mailer", "")
	require.Len(t, jobs, 2)
	assert.Equal(t, uint32(7), jobs[1].Priority)
}

func TestQueue_Enqueue_NamespacedClassTube(t *testing.T) {
	q, srv := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "Foo::BarBaz", nil)
	require.NoError(t, err)

	assert.Len(t, srv.Jobs(ns+"foo/bar-baz", ""), 1)
}

func TestQueue_Enqueue_UnknownPriorityLabel(t *testing.T) {
	q, srv := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "TestJob", nil, PriorityLabel("urgent"))
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
	assert.Zero(t, srv.Count("put"))
}

func TestQueue_Enqueue_InvalidClass(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "", nil)
	assert.ErrorIs(t, err, core.ErrInvalidClassName)
}

func TestQueue_Enqueue_BodyTooLarge(t *testing.T) {
	q, srv := newTestQueue(t)

	big := make([]byte, 70000)
	for i := range big {
		big[i] = 'a'
	}
	_, err := q.Enqueue(context.Background(), "TestJob", []any{string(big)})
	assert.ErrorIs(t, err, core.ErrJobArgsTooLarge)
	assert.Zero(t, srv.Count("put"))
}

func TestQueue_Enqueue_Hooks(t *testing.T) {
	t.Run("gate halts", func(t *testing.T) {
		q, srv := newTestQueue(t)
		afterCalled := false
		q.AddHooks("TestJob", hooks.Hooks{
			BeforeEnqueue: []hooks.GateFunc{func(ctx context.Context, args core.Args) (bool, error) {
				return false, nil
			}},
			AfterEnqueue: []hooks.Func{func(ctx context.Context, args core.Args) error {
				afterCalled = true
				return nil
			}},
		})

		id, err := q.Enqueue(context.Background(), "TestJob", []any{1})
		assert.ErrorIs(t, err, core.ErrHalted)
		assert.Zero(t, id)
		assert.False(t, afterCalled)
		assert.Zero(t, srv.Count("put"))
	})

	t.Run("gate error propagates", func(t *testing.T) {
		q, _ := newTestQueue(t)
		boom := errors.New("boom")
		q.Use(hooks.Hooks{BeforeEnqueue: []hooks.GateFunc{func(ctx context.Context, args core.Args) (bool, error) {
			return true, boom
		}}})

		_, err := q.Enqueue(context.Background(), "TestJob", nil)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("after enqueue sees args", func(t *testing.T) {
		q, _ := newTestQueue(t)
		var got core.Args
		q.Register("TestJob", func(int) error { return nil }, WithHooks(hooks.Hooks{
			AfterEnqueue: []hooks.Func{func(ctx context.Context, args core.Args) error {
				got = args
				return nil
			}},
		}))

		id, err := q.Enqueue(context.Background(), "TestJob", []any{42})
		require.NoError(t, err)
		assert.NotZero(t, id)
		assert.Equal(t, "[42]", got.String())
	})

	t.Run("after enqueue error still returns id", func(t *testing.T) {
		q, srv := newTestQueue(t)
		boom := errors.New("after")
		q.AddHooks("TestJob", hooks.Hooks{AfterEnqueue: []hooks.Func{func(ctx context.Context, args core.Args) error {
			return boom
		}}})

		id, err := q.Enqueue(context.Background(), "TestJob", nil)
		assert.ErrorIs(t, err, boom)
		assert.NotZero(t, id)
		assert.Equal(t, 1, srv.Count("put"))
	})
}

func TestQueue_Enqueue_BrokerDown(t *testing.T) {
	q, srv := newTestQueue(t)
	srv.SetDown(true)

	_, err := q.Enqueue(context.Background(), "TestJob", nil)
	assert.ErrorIs(t, err, core.ErrNoActiveConnection)
}

func TestQueue_Enqueue_WithPutterAndMetrics(t *testing.T) {
	srv := brokertest.NewServer()
	conn, err := srv.Dial(context.Background(), brokerEndpoint)
	require.NoError(t, err)
	m := metrics.New(false)
	q := New(config.Default(), WithPutter(connPutter{conn}), WithMetrics(m))

	_, err = q.Enqueue(context.Background(), "TestJob", nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsEnqueued.WithLabelValues(ns+"test-job")))
	assert.Equal(t, 1, srv.Dials())
}

func TestQueue_Tubes(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Register("B", func() error { return nil })
	q.Register("A", func() error { return nil }, QueueOpt("shared"))
	q.Register("C", func() error { return nil }, QueueOpt("shared"))

	assert.Equal(t, []string{ns + "b", ns + "shared"}, q.Tubes())
}

func TestQueue_MaxRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Register("Limited", func() error { return nil }, Retries(3))
	q.Register("Default", func() error { return nil })

	n, ok := q.MaxRetries("Limited")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = q.MaxRetries("Default")
	assert.False(t, ok)
	_, ok = q.MaxRetries("Missing")
	assert.False(t, ok)
}

func TestQueue_Hooks_GlobalFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	var order []string
	q.AddHooks("TestJob", hooks.Hooks{AfterPerform: []hooks.Func{func(context.Context, core.Args) error {
		order = append(order, "class")
		return nil
	}}})
	q.Use(hooks.Hooks{AfterPerform: []hooks.Func{func(context.Context, core.Args) error {
		order = append(order, "global")
		return nil
	}}})

	require.NoError(t, q.Hooks("TestJob").RunAfterPerform(context.Background(), nil))
	assert.Equal(t, []string{"global", "class"}, order)
}

func TestQueue_Schedule(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Schedule("Cleanup", schedule.Every(time.Minute), []any{"old"}, QueueOpt("maintenance"))

	jobs := q.ScheduledJobs()
	require.Contains(t, jobs, "Cleanup")
	assert.Equal(t, []any{"old"}, jobs["Cleanup"].Args)
	assert.Len(t, jobs["Cleanup"].Options, 1)

	// The returned map is a copy.
	delete(jobs, "Cleanup")
	assert.Len(t, q.ScheduledJobs(), 1)

	assert.Panics(t, func() { q.Schedule("", schedule.Every(time.Minute), nil) })
}

func TestQueue_Events(t *testing.T) {
	q, _ := newTestQueue(t)

	ch := q.Events()
	q.Emit(&core.JobStarted{Name: "TestJob"})

	select {
	case e := <-ch:
		started, ok := e.(*core.JobStarted)
		require.True(t, ok)
		assert.Equal(t, "TestJob", started.Name)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	q.Unsubscribe(ch)
	q.Emit(&core.JobStarted{Name: "TestJob"})
	select {
	case <-ch:
		t.Fatal("unexpected event after unsubscribe")
	default:
	}
}

func TestQueue_Emit_DropsWhenFull(t *testing.T) {
	q, _ := newTestQueue(t)
	ch := q.Events()
	defer q.Unsubscribe(ch)

	assert.NotPanics(t, func() {
		for i := 0; i < 150; i++ {
			q.Emit(&core.JobStarted{})
		}
	})
	assert.Len(t, ch, 100)
}

func TestQueue_NewWorker_PanicsWithoutFactory(t *testing.T) {
	q, _ := newTestQueue(t)
	saved := WorkerFactory
	WorkerFactory = nil
	defer func() { WorkerFactory = saved }()

	assert.Panics(t, func() { q.NewWorker() })
}
