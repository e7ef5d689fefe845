// Package context provides context helpers for the jobs package.
package context

import (
	"context"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// JobContext holds the job being performed and handles back to its broker
// reservation.
type JobContext struct {
	Info     core.JobInfo
	Name     string
	Args     core.Args
	WorkerID string
	// Touch extends the reservation by the job's time-to-run.
	Touch func(ctx context.Context) error
	// Releases reads the broker's release count for the job.
	Releases func(ctx context.Context) (int, error)
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}
