package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/tube"
)

// Environ renders the spec as environment variables for a child process.
func (s ChildSpec) Environ() []string {
	out := []string{
		"JOBS_CHILD_MODE=" + s.Mode,
		"JOBS_CHILD_TUBES=" + strings.Join(s.Tubes, ","),
		"JOBS_CHILD_THREADS=" + strconv.Itoa(s.Threads),
		"JOBS_CHILD_GARBAGE=" + strconv.Itoa(s.GarbageLimit),
	}
	if s.Retries != nil {
		out = append(out, "JOBS_CHILD_RETRIES="+strconv.Itoa(*s.Retries))
	}
	return out
}

// ChildFromEnv reads the child role from the process environment.
// ok is false when this process is not a child.
func ChildFromEnv() (spec ChildSpec, ok bool, err error) {
	return childFromEnv(env.Options{})
}

func childFromEnv(opts env.Options) (ChildSpec, bool, error) {
	var spec ChildSpec
	if err := env.ParseWithOptions(&spec, opts); err != nil {
		return ChildSpec{}, false, fmt.Errorf("jobs: child environment: %w", err)
	}
	switch spec.Mode {
	case "":
		return ChildSpec{}, false, nil
	case ModeOneJob, ModeThreadsOnFork:
		return spec, true, nil
	}
	return ChildSpec{}, false, fmt.Errorf("jobs: unknown child mode %q", spec.Mode)
}

// RunChild runs the child side of a forking strategy and returns the exit
// code the process should exit with.
//
// A one-job child works a single job and exits ExitRecycled. A threads-on-fork
// child runs spec.Threads goroutines until together they processed exactly
// spec.GarbageLimit jobs, then exits ExitRecycled. Without a garbage limit it
// runs until ctx is cancelled and exits 0. Any other exit code is a failure.
func RunChild(ctx context.Context, w *Worker, spec ChildSpec) int {
	logger := w.logger.With("pid", os.Getpid(), "mode", spec.Mode)

	var retries []tube.Spec
	if spec.Retries != nil {
		for _, t := range spec.Tubes {
			retries = append(retries, tube.Spec{Name: t, Retries: spec.Retries})
		}
	}
	w.setTubeRetries(retries)

	switch spec.Mode {
	case ModeOneJob:
		pool, err := w.NewPool(ctx)
		if err != nil {
			logger.Error("child failed to connect", "error", err)
			return 1
		}
		defer pool.Close()
		if _, err := w.Prepare(ctx, pool, spec.Tubes); err != nil {
			logger.Error("child failed to prepare tubes", "error", err)
			return 1
		}
		err = w.WorkOneJob(ctx, pool)
		var je *JobError
		if err != nil && !errors.As(err, &je) {
			logger.Error("child failed to work job", "error", err)
			return 1
		}
		return ExitRecycled

	case ModeThreadsOnFork:
		return runThreadsChild(ctx, w, spec)
	}
	logger.Error("unknown child mode")
	return 1
}

// garbage counts jobs against a limit shared by all goroutines of a child.
// A goroutine claims a slot before reserving and gives it back when the
// reserve came up empty, so the child stops after exactly limit jobs.
type garbage struct {
	limit   int64
	claimed atomic.Int64
	done    atomic.Int64
}

func (g *garbage) claim() bool {
	if g.limit <= 0 {
		return true
	}
	for {
		n := g.claimed.Load()
		if n >= g.limit {
			return false
		}
		if g.claimed.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (g *garbage) release() {
	if g.limit > 0 {
		g.claimed.Add(-1)
	}
}

func (g *garbage) finished() bool {
	return g.limit > 0 && g.done.Load() >= g.limit
}

func runThreadsChild(ctx context.Context, w *Worker, spec ChildSpec) int {
	threads := spec.Threads
	if threads < 1 {
		threads = 1
	}
	counter := &garbage{limit: int64(spec.GarbageLimit)}

	eg, gctx := errgroup.WithContext(ctx)
	for i := 0; i < threads; i++ {
		eg.Go(func() error {
			pool, err := w.NewPool(gctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if _, err := w.Prepare(gctx, pool, spec.Tubes); err != nil {
				return err
			}

			for gctx.Err() == nil && !counter.finished() {
				if !counter.claim() {
					// Every slot is taken; wait for the holders to finish or give back.
					time.Sleep(10 * time.Millisecond)
					continue
				}
				reserved, err := w.workOne(gctx, pool)
				if reserved {
					counter.done.Add(1)
				} else {
					counter.release()
				}
				var je *JobError
				if err != nil && !errors.As(err, &je) && gctx.Err() == nil {
					return err
				}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		w.logger.Error("child thread failed", "error", err)
		return 1
	}
	if counter.finished() {
		w.logger.Info("child reached garbage limit", "jobs", counter.done.Load())
		return ExitRecycled
	}
	return 0
}
