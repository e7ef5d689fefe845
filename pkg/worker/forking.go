package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/config"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/tube"
)

// Forking runs every job in a fresh child that works one job and exits.
type Forking struct{}

// Name implements Strategy.
func (Forking) Name() string { return config.WorkerForking }

// Run implements Strategy.
func (Forking) Run(ctx context.Context, w *Worker, specs []tube.Spec) error {
	specs, err := w.expandSpecs(ctx, specs)
	if err != nil {
		return err
	}
	child := ChildSpec{Mode: ModeOneJob, Tubes: specNames(specs)}
	limiter := w.respawnLimiter()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		code, err := w.runOneChild(ctx, "", child)
		if err != nil {
			return err
		}
		if code != ExitRecycled {
			w.logger.Warn("child exited unexpectedly", "exit_code", code)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ThreadsOnFork supervises one child per tube. Each child runs a goroutine
// pool and exits after its garbage limit; the supervisor replaces it.
type ThreadsOnFork struct{}

// Name implements Strategy.
func (ThreadsOnFork) Name() string { return config.WorkerThreadsOnFork }

// Run implements Strategy. On shutdown children get SIGTERM, then SIGKILL
// after Config.ShutdownTimeout.
func (ThreadsOnFork) Run(ctx context.Context, w *Worker, specs []tube.Spec) error {
	w.setTubeRetries(specs)
	specs, err := w.expandSpecs(ctx, specs)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range specs {
		child := ChildSpec{
			Mode:         ModeThreadsOnFork,
			Tubes:        []string{s.Name},
			Threads:      w.threadsFor(s, 1),
			GarbageLimit: w.garbageFor(s),
			Retries:      s.Retries,
		}
		g.Go(func() error {
			w.superviseTube(gctx, child)
			return nil
		})
	}
	return g.Wait()
}

// superviseTube keeps one child alive for a tube until ctx is cancelled.
func (w *Worker) superviseTube(ctx context.Context, spec ChildSpec) {
	tubeName := spec.Tubes[0]
	limiter := w.respawnLimiter()
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		code, err := w.runOneChild(ctx, tubeName, spec)
		switch {
		case err != nil:
			w.logger.Error("failed to spawn child", "tube", tubeName, "error", err)
		case code == ExitRecycled:
			w.logger.Info("child recycled", "tube", tubeName)
		case ctx.Err() == nil:
			w.logger.Error("catastrophic failure, child exited", "tube", tubeName, "exit_code", code)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// runOneChild spawns a child and waits for it, terminating it when ctx is
// cancelled.
func (w *Worker) runOneChild(ctx context.Context, tubeName string, spec ChildSpec) (int, error) {
	child, err := w.opts.Spawner.Spawn(ctx, spec)
	if err != nil {
		return -1, err
	}
	pid := child.PID()
	w.track(pid, child)
	w.metrics.ChildStarted(tubeName)
	w.logger.Debug("child started", "pid", pid, "tube", tubeName, "mode", spec.Mode)

	code := w.waitChild(ctx, child)

	w.untrack(pid)
	w.metrics.ChildExited(tubeName, code)
	w.queue.Emit(&core.ChildExited{Tube: tubeName, PID: pid, ExitCode: code, Timestamp: time.Now()})
	return code, nil
}

type exitResult struct {
	code int
	err  error
}

func (w *Worker) waitChild(ctx context.Context, child Child) int {
	done := make(chan exitResult, 1)
	go func() {
		code, err := child.Wait()
		done <- exitResult{code, err}
	}()

	select {
	case r := <-done:
		return w.exitCode(child, r)
	case <-ctx.Done():
	}

	if err := child.Terminate(); err != nil {
		w.logger.Warn("failed to terminate child", "pid", child.PID(), "error", err)
	}
	timer := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return w.exitCode(child, r)
	case <-timer.C:
	}

	w.logger.Warn("child did not exit in time, killing", "pid", child.PID())
	if err := child.Kill(); err != nil {
		w.logger.Warn("failed to kill child", "pid", child.PID(), "error", err)
	}
	return w.exitCode(child, <-done)
}

func (w *Worker) exitCode(child Child, r exitResult) int {
	if r.err != nil {
		w.logger.Error("failed to wait for child", "pid", child.PID(), "error", r.err)
	}
	return r.code
}

func (w *Worker) track(pid int, c Child) {
	w.childMu.Lock()
	w.children[pid] = c
	w.childMu.Unlock()
}

func (w *Worker) untrack(pid int) {
	w.childMu.Lock()
	delete(w.children, pid)
	w.childMu.Unlock()
}

// Children returns the number of live children.
func (w *Worker) Children() int {
	w.childMu.Lock()
	defer w.childMu.Unlock()
	return len(w.children)
}
