// Package queue provides the Queue producer and class registry.
package queue

import (
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/hooks"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/security"
)

// Options holds settings for registering a class or enqueueing a job.
// Unset fields fall back to the class settings, then to the Config.
type Options struct {
	Queue         string
	Priority      *int64
	PriorityLabel string
	Delay         time.Duration
	TTR           time.Duration
	MaxRetries    *int
	Hooks         hooks.Hooks
}

// NewOptions creates empty Options.
func NewOptions() *Options {
	return &Options{}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

func collect(opts []Option) *Options {
	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	return o
}

// QueueOpt sets the queue name. The tube is the namespaced, dasherized form
// of this name.
func QueueOpt(name string) Option {
	return optionFunc(func(o *Options) {
		o.Queue = name
	})
}

// Priority sets a numeric priority. Lower values are reserved first.
func Priority(p int64) Option {
	return optionFunc(func(o *Options) {
		o.Priority = &p
		o.PriorityLabel = ""
	})
}

// PriorityLabel sets the priority by name, resolved through
// Config.PriorityLabels ("high", "medium", "low" by default).
func PriorityLabel(label string) Option {
	return optionFunc(func(o *Options) {
		o.PriorityLabel = label
		o.Priority = nil
	})
}

// Delay holds the job back for d before it becomes ready.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = security.ClampDelay(d)
	})
}

// At holds the job back until t.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.Delay = security.ClampDelay(time.Until(t))
	})
}

// TTR sets the time-to-run the broker allows before it reclaims a reservation.
func TTR(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.TTR = d
	})
}

// Retries sets the class's maximum retry count.
// Values are clamped to [0, MaxRetries] (100).
func Retries(n int) Option {
	return optionFunc(func(o *Options) {
		n = security.ClampRetries(n)
		o.MaxRetries = &n
	})
}

// WithHooks attaches lifecycle hooks to a class at registration.
func WithHooks(h hooks.Hooks) Option {
	return optionFunc(func(o *Options) {
		o.Hooks = o.Hooks.Merge(h)
	})
}
