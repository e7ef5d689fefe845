package jobs

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/worker"
)

// MaybeRunChild turns the process into a worker child when a forking
// strategy started it, and exits with the child's code. In any other
// process it returns at once.
//
// Call it after registering classes and before anything else in main.
func MaybeRunChild(ctx context.Context, q *Queue, opts ...WorkerOption) {
	if code, ok := runChild(ctx, q, opts...); ok {
		os.Exit(code)
	}
}

func runChild(ctx context.Context, q *Queue, opts ...WorkerOption) (int, bool) {
	spec, ok, err := worker.ChildFromEnv()
	if err != nil {
		q.Logger().Error("invalid child environment", "error", err)
		return 1, true
	}
	if !ok {
		return 0, false
	}

	// SIGTERM from the parent lets the current job finish.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()
	return worker.RunChild(ctx, worker.NewWorker(q, opts...), spec), true
}
