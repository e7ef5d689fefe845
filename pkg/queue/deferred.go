package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/internal/handler"
)

// ErrUndefinedMethod is returned when a deferred call names a method that
// was not registered for its target.
var ErrUndefinedMethod = errors.New("jobs: undefined method")

// DeferredCall captures a method call on a stored object so it can be
// performed later by a worker. The job body is
// {"class": target, "args": [id, method, args...]}.
type DeferredCall struct {
	q      *Queue
	target string
	id     any
	method string
	args   []any
	opts   []Option
}

// Defer starts a deferred call on the object of class target identified by id.
func (q *Queue) Defer(target string, id any, opts ...Option) *DeferredCall {
	return &DeferredCall{q: q, target: target, id: id, opts: opts}
}

// Call returns a copy of d that invokes method with args.
func (d *DeferredCall) Call(method string, args ...any) *DeferredCall {
	cp := *d
	cp.method = method
	cp.args = append([]any(nil), args...)
	return &cp
}

// Args returns the positional arguments the job will carry.
func (d *DeferredCall) Args() []any {
	out := make([]any, 0, len(d.args)+2)
	out = append(out, d.id, d.method)
	return append(out, d.args...)
}

// Enqueue puts the call on the target's tube.
func (d *DeferredCall) Enqueue(ctx context.Context) (uint64, error) {
	if d.method == "" {
		return 0, fmt.Errorf("jobs: deferred call on %s has no method", d.target)
	}
	return d.q.Enqueue(ctx, d.target, d.Args(), d.opts...)
}

// RegisterMethods registers target as a class whose jobs are deferred calls.
// Each method function receives the object id as its first argument after
// the optional context, followed by the call's own arguments.
func (q *Queue) RegisterMethods(target string, methods map[string]any, opts ...Option) {
	m := make(methodSet, len(methods))
	for name, fn := range methods {
		h, err := handler.NewHandler(fn)
		if err != nil {
			panic(fmt.Sprintf("jobs: method %s#%s: %v", target, name, err))
		}
		m[name] = h
	}
	q.register(target, m, opts)
}

type methodSet map[string]*handler.Handler

func (m methodSet) Execute(ctx context.Context, args core.Args) error {
	if args.Len() < 2 {
		return core.NoRetry(fmt.Errorf("%w: deferred call needs an id and a method", core.ErrJobFormatInvalid))
	}
	var method string
	if err := args.Decode(1, &method); err != nil {
		return core.NoRetry(fmt.Errorf("%w: method name: %v", core.ErrJobFormatInvalid, err))
	}
	h, ok := m[method]
	if !ok {
		return core.NoRetry(fmt.Errorf("%w %q", ErrUndefinedMethod, method))
	}

	callArgs := make(core.Args, 0, args.Len()-1)
	callArgs = append(callArgs, args[0])
	callArgs = append(callArgs, args[2:]...)
	return h.Execute(ctx, callArgs)
}
