package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

type trace struct {
	mu    sync.Mutex
	calls []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	tr.calls = append(tr.calls, s)
	tr.mu.Unlock()
}

func gate(tr *trace, name string, ok bool) GateFunc {
	return func(context.Context, core.Args) (bool, error) {
		tr.add(name)
		return ok, nil
	}
}

func TestGates_StopOnFirstFalse(t *testing.T) {
	tr := &trace{}
	h := Hooks{BeforePerform: []GateFunc{
		gate(tr, "a", true),
		gate(tr, "b", false),
		gate(tr, "c", true),
	}}

	ok, err := h.RunBeforePerform(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, tr.calls)
}

func TestGates_ErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	h := Hooks{BeforeEnqueue: []GateFunc{
		func(context.Context, core.Args) (bool, error) { return true, boom },
	}}
	ok, err := h.RunBeforeEnqueue(context.Background(), nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	h = Hooks{BeforePerform: []GateFunc{
		func(context.Context, core.Args) (bool, error) { panic("kaput") },
	}}
	_, err = h.RunBeforePerform(context.Background(), nil)
	assert.ErrorContains(t, err, "kaput")
}

func TestGates_EmptyPasses(t *testing.T) {
	ok, err := Hooks{}.RunBeforePerform(context.Background(), nil)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestWrapPerform_FirstDeclaredIsOutermost(t *testing.T) {
	tr := &trace{}
	around := func(name string) AroundFunc {
		return func(ctx context.Context, _ core.Args, next func(context.Context) error) error {
			tr.add(name + ":in")
			err := next(ctx)
			tr.add(name + ":out")
			return err
		}
	}
	h := Hooks{AroundPerform: []AroundFunc{around("first"), around("second")}}

	err := h.WrapPerform(context.Background(), nil, func(context.Context) error {
		tr.add("perform")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"first:in", "second:in", "perform", "second:out", "first:out"}, tr.calls)
}

func TestWrapPerform_AroundCanSkipAndSeeErrors(t *testing.T) {
	performed := false
	skip := Hooks{AroundPerform: []AroundFunc{
		func(context.Context, core.Args, func(context.Context) error) error { return nil },
	}}
	require.NoError(t, skip.WrapPerform(context.Background(), nil, func(context.Context) error {
		performed = true
		return nil
	}))
	assert.False(t, performed)

	boom := errors.New("boom")
	var seen error
	observe := Hooks{AroundPerform: []AroundFunc{
		func(ctx context.Context, _ core.Args, next func(context.Context) error) error {
			seen = next(ctx)
			return seen
		},
	}}
	err := observe.WrapPerform(context.Background(), nil, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, seen, boom)
}

func TestAfterPerform_StopsOnError(t *testing.T) {
	tr := &trace{}
	boom := errors.New("boom")
	h := Hooks{AfterPerform: []Func{
		func(context.Context, core.Args) error { tr.add("a"); return boom },
		func(context.Context, core.Args) error { tr.add("b"); return nil },
	}}

	assert.ErrorIs(t, h.RunAfterPerform(context.Background(), nil), boom)
	assert.Equal(t, []string{"a"}, tr.calls)
}

func TestNotifyHooks(t *testing.T) {
	tr := &trace{}
	args, _ := core.NewArgs("x")
	cause := errors.New("cause")
	h := Hooks{
		OnFailure: []FailureFunc{func(_ context.Context, err error, a core.Args) {
			assert.Equal(t, cause, err)
			tr.add("failure " + a.String())
		}},
		OnRetry: []RetryFunc{func(_ context.Context, attempt int, delay time.Duration, _ core.Args) {
			tr.add("retry")
			assert.Equal(t, 2, attempt)
			assert.Equal(t, time.Second, delay)
		}},
		OnBury:  []NotifyFunc{func(context.Context, core.Args) { tr.add("bury") }},
		OnTouch: []NotifyFunc{func(context.Context, core.Args) { panic("touchy") }, func(context.Context, core.Args) { tr.add("touch") }},
	}

	ctx := context.Background()
	assert.NoError(t, h.RunFailure(ctx, cause, args))
	assert.NoError(t, h.RunRetry(ctx, 2, time.Second, args))
	assert.NoError(t, h.RunBury(ctx, args))
	assert.ErrorContains(t, h.RunTouch(ctx, args), "touchy")

	assert.Equal(t, []string{`failure ["x"]`, "retry", "bury", "touch"}, tr.calls)
}

func TestMerge_DoesNotAlias(t *testing.T) {
	base := Hooks{OnBury: make([]NotifyFunc, 1, 4)}
	base.OnBury[0] = func(context.Context, core.Args) {}

	a := base.Merge(Hooks{OnBury: []NotifyFunc{func(context.Context, core.Args) {}}})
	b := base.Merge(Hooks{})

	assert.Len(t, a.OnBury, 2)
	assert.Len(t, b.OnBury, 1)
	assert.Len(t, base.OnBury, 1)
	assert.Nil(t, Hooks{}.Merge(Hooks{}).OnRetry)
}

func TestRegistry_GlobalThenClass(t *testing.T) {
	tr := &trace{}
	r := NewRegistry()
	r.Add("Mailer", Hooks{BeforePerform: []GateFunc{gate(tr, "class", true)}})
	r.Use(Hooks{BeforePerform: []GateFunc{gate(tr, "global", true)}})
	r.Add("Mailer", Hooks{BeforePerform: []GateFunc{gate(tr, "class2", true)}})

	ok, err := r.For("Mailer").RunBeforePerform(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"global", "class", "class2"}, tr.calls)

	tr.calls = nil
	_, _ = r.For("Unknown").RunBeforePerform(context.Background(), nil)
	assert.Equal(t, []string{"global"}, tr.calls)
}
