// Package jobctx provides public access to job context for perform functions.
package jobctx

import (
	"context"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	intctx "github.com/jdziat/simple-beanstalk-jobs/pkg/internal/context"
)

// JobFromContext returns the running job's broker identity.
// ok is false outside a perform function.
func JobFromContext(ctx context.Context) (info core.JobInfo, ok bool) {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return core.JobInfo{}, false
	}
	return jc.Info, true
}

// JobIDFromContext returns the broker job id, or 0 outside a perform function.
func JobIDFromContext(ctx context.Context) uint64 {
	info, _ := JobFromContext(ctx)
	return info.ID
}

// NameFromContext returns the job class name, or "" outside a perform function.
func NameFromContext(ctx context.Context) string {
	if jc := intctx.GetJobContext(ctx); jc != nil {
		return jc.Name
	}
	return ""
}

// WorkerIDFromContext returns the id of the worker running the job.
func WorkerIDFromContext(ctx context.Context) string {
	if jc := intctx.GetJobContext(ctx); jc != nil {
		return jc.WorkerID
	}
	return ""
}

// Touch asks the broker for another time-to-run window for the running job.
// Long perform functions call it to keep their reservation. Outside a
// perform function it does nothing.
func Touch(ctx context.Context) error {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.Touch == nil {
		return nil
	}
	return jc.Touch(ctx)
}

// Attempt returns the 1-based attempt number of the running job, read from
// the broker's release counter. Outside a perform function it returns 0.
func Attempt(ctx context.Context) (int, error) {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.Releases == nil {
		return 0, nil
	}
	r, err := jc.Releases(ctx)
	if err != nil {
		return 0, err
	}
	return r + 1, nil
}
