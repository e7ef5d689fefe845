// Package hooks holds typed job lifecycle callbacks.
//
// Each event has its own callback type. Callbacks run in the order they were
// declared. Gates (BeforeEnqueue, BeforePerform) stop the pipeline on the
// first false. Around callbacks nest with the first declared outermost; each
// must call next to continue. Panics inside callbacks become errors.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

// GateFunc decides whether the pipeline continues.
type GateFunc func(ctx context.Context, args core.Args) (bool, error)

// Func runs after an enqueue or a successful perform.
type Func func(ctx context.Context, args core.Args) error

// AroundFunc wraps the perform; it must call next to run it.
type AroundFunc func(ctx context.Context, args core.Args, next func(context.Context) error) error

// FailureFunc observes a failed attempt.
type FailureFunc func(ctx context.Context, err error, args core.Args)

// RetryFunc observes a release for another attempt.
type RetryFunc func(ctx context.Context, attempt int, delay time.Duration, args core.Args)

// NotifyFunc observes a bury or touch.
type NotifyFunc func(ctx context.Context, args core.Args)

// Hooks is the set of callbacks for one job class.
type Hooks struct {
	BeforeEnqueue []GateFunc
	AfterEnqueue  []Func
	BeforePerform []GateFunc
	AroundPerform []AroundFunc
	AfterPerform  []Func
	OnFailure     []FailureFunc
	OnRetry       []RetryFunc
	OnBury        []NotifyFunc
	OnTouch       []NotifyFunc
}

// Merge returns h followed by other. Neither input is modified.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		BeforeEnqueue: concat(h.BeforeEnqueue, other.BeforeEnqueue),
		AfterEnqueue:  concat(h.AfterEnqueue, other.AfterEnqueue),
		BeforePerform: concat(h.BeforePerform, other.BeforePerform),
		AroundPerform: concat(h.AroundPerform, other.AroundPerform),
		AfterPerform:  concat(h.AfterPerform, other.AfterPerform),
		OnFailure:     concat(h.OnFailure, other.OnFailure),
		OnRetry:       concat(h.OnRetry, other.OnRetry),
		OnBury:        concat(h.OnBury, other.OnBury),
		OnTouch:       concat(h.OnTouch, other.OnTouch),
	}
}

func concat[T any](a, b []T) []T {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := make([]T, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// RunBeforeEnqueue runs the enqueue gates.
func (h Hooks) RunBeforeEnqueue(ctx context.Context, args core.Args) (bool, error) {
	return runGates(ctx, h.BeforeEnqueue, args)
}

// RunAfterEnqueue runs the after-enqueue callbacks, stopping on the first error.
func (h Hooks) RunAfterEnqueue(ctx context.Context, args core.Args) error {
	return runFuncs(ctx, h.AfterEnqueue, args)
}

// RunBeforePerform runs the perform gates.
func (h Hooks) RunBeforePerform(ctx context.Context, args core.Args) (bool, error) {
	return runGates(ctx, h.BeforePerform, args)
}

// WrapPerform runs perform inside the around callbacks.
func (h Hooks) WrapPerform(ctx context.Context, args core.Args, perform func(context.Context) error) error {
	next := perform
	for i := len(h.AroundPerform) - 1; i >= 0; i-- {
		around, inner := h.AroundPerform[i], next
		next = func(ctx context.Context) error {
			return safe("around_perform", func() error { return around(ctx, args, inner) })
		}
	}
	return next(ctx)
}

// RunAfterPerform runs the after-perform callbacks, stopping on the first error.
func (h Hooks) RunAfterPerform(ctx context.Context, args core.Args) error {
	return runFuncs(ctx, h.AfterPerform, args)
}

// RunFailure runs every failure callback. Panics are collected into the
// returned error.
func (h Hooks) RunFailure(ctx context.Context, cause error, args core.Args) error {
	var first error
	for _, fn := range h.OnFailure {
		err := safe("on_failure", func() error { fn(ctx, cause, args); return nil })
		if first == nil {
			first = err
		}
	}
	return first
}

// RunRetry runs every retry callback.
func (h Hooks) RunRetry(ctx context.Context, attempt int, delay time.Duration, args core.Args) error {
	var first error
	for _, fn := range h.OnRetry {
		err := safe("on_retry", func() error { fn(ctx, attempt, delay, args); return nil })
		if first == nil {
			first = err
		}
	}
	return first
}

// RunBury runs every bury callback.
func (h Hooks) RunBury(ctx context.Context, args core.Args) error {
	return runNotify(ctx, "on_bury", h.OnBury, args)
}

// RunTouch runs every touch callback.
func (h Hooks) RunTouch(ctx context.Context, args core.Args) error {
	return runNotify(ctx, "on_touch", h.OnTouch, args)
}

func runGates(ctx context.Context, gates []GateFunc, args core.Args) (bool, error) {
	for _, gate := range gates {
		var ok bool
		err := safe("gate", func() error {
			var err error
			ok, err = gate(ctx, args)
			return err
		})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func runFuncs(ctx context.Context, fns []Func, args core.Args) error {
	for _, fn := range fns {
		if err := safe("after", func() error { return fn(ctx, args) }); err != nil {
			return err
		}
	}
	return nil
}

func runNotify(ctx context.Context, event string, fns []NotifyFunc, args core.Args) error {
	var first error
	for _, fn := range fns {
		err := safe(event, func() error { fn(ctx, args); return nil })
		if first == nil {
			first = err
		}
	}
	return first
}

func safe(event string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: %s hook panicked: %v", event, r)
		}
	}()
	return fn()
}

// Registry maps job class names to hooks. Global hooks run before class
// hooks for every job. Names need no registered handler, so hooks still fire
// for jobs whose class cannot be resolved.
type Registry struct {
	mu     sync.RWMutex
	global Hooks
	byName map[string]Hooks
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Hooks)}
}

// Use adds hooks that run for every job.
func (r *Registry) Use(h Hooks) {
	r.mu.Lock()
	r.global = r.global.Merge(h)
	r.mu.Unlock()
}

// Add appends hooks for one class name.
func (r *Registry) Add(name string, h Hooks) {
	r.mu.Lock()
	r.byName[name] = r.byName[name].Merge(h)
	r.mu.Unlock()
}

// For returns the global hooks followed by the hooks for name.
func (r *Registry) For(name string) Hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global.Merge(r.byName[name])
}
