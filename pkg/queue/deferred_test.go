package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

func TestDeferredCall_Enqueue(t *testing.T) {
	q, srv := newTestQueue(t)

	base := q.Defer("User", 42, PriorityLabel("low"))
	call := base.Call("send_welcome", "hello", 3)

	assert.Equal(t, []any{42, "send_welcome", "hello", 3}, call.Args())
	// Call does not mutate the receiver.
	assert.Equal(t, []any{42, ""}, base.Args())

	_, err := call.Enqueue(context.Background())
	require.NoError(t, err)

	job, p := decodeOnly(t, srv, ns+"user")
	assert.Equal(t, "User", p.Class)
	assert.Equal(t, `[42,"send_welcome","hello",3]`, p.Args.String())
	assert.Equal(t, uint32(200), job.Priority)
}

func TestDeferredCall_RequiresMethod(t *testing.T) {
	q, srv := newTestQueue(t)

	_, err := q.Defer("User", 1).Enqueue(context.Background())
	assert.Error(t, err)
	assert.Zero(t, srv.Count("put"))
}

func TestRegisterMethods_Dispatch(t *testing.T) {
	q, _ := newTestQueue(t)
	var gotID int
	var gotGreeting string
	q.RegisterMethods("User", map[string]any{
		"send_welcome": func(ctx context.Context, id int, greeting string) error {
			gotID, gotGreeting = id, greeting
			return nil
		},
		"touch": func(id int) error { return nil },
	})

	perform, ok := q.Lookup("User")
	require.True(t, ok)

	args, err := core.NewArgs(7, "send_welcome", "hi")
	require.NoError(t, err)
	require.NoError(t, perform.Execute(context.Background(), args))
	assert.Equal(t, 7, gotID)
	assert.Equal(t, "hi", gotGreeting)
}

func TestRegisterMethods_Errors(t *testing.T) {
	q, _ := newTestQueue(t)
	q.RegisterMethods("User", map[string]any{
		"touch": func(id int) error { return nil },
	})
	perform, _ := q.Lookup("User")

	tests := []struct {
		name   string
		values []any
		target error
	}{
		{"missing method", []any{1}, core.ErrJobFormatInvalid},
		{"method not a string", []any{1, 2}, core.ErrJobFormatInvalid},
		{"unknown method", []any{1, "explode"}, ErrUndefinedMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := core.NewArgs(tt.values...)
			require.NoError(t, err)

			err = perform.Execute(context.Background(), args)
			assert.ErrorIs(t, err, tt.target)
			var noRetry *core.NoRetryError
			assert.ErrorAs(t, err, &noRetry)
		})
	}

	t.Run("wrong arity is retryable", func(t *testing.T) {
		args, err := core.NewArgs(1, "touch", "extra")
		require.NoError(t, err)

		err = perform.Execute(context.Background(), args)
		require.Error(t, err)
		var noRetry *core.NoRetryError
		assert.False(t, errors.As(err, &noRetry))
	})

	assert.Panics(t, func() {
		q.RegisterMethods("Bad", map[string]any{"x": 42})
	})
}
