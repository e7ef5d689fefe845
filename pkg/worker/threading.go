package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/config"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/tube"
)

// Threading runs a goroutine pool per tube. Each goroutine owns its broker
// pool and watches only its tube.
type Threading struct{}

// Name implements Strategy.
func (Threading) Name() string { return config.WorkerThreading }

// Run implements Strategy. After ctx is cancelled it waits up to
// Config.ShutdownTimeout for in-flight jobs, then returns
// core.ErrShutdownTimeout and abandons the stragglers.
func (Threading) Run(ctx context.Context, w *Worker, specs []tube.Spec) error {
	w.setTubeRetries(specs)
	specs, err := w.expandSpecs(ctx, specs)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range specs {
		n := w.threadsFor(s, defaultThreads())
		w.logger.Info("starting tube threads", "tube", s.Name, "threads", n)
		for i := 0; i < n; i++ {
			name := s.Name
			g.Go(func() error {
				return w.threadLoop(gctx, name)
			})
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	timer := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		w.logger.Warn("shutdown timeout, abandoning running jobs", "timeout", w.cfg.ShutdownTimeout)
		return core.ErrShutdownTimeout
	}
}

func (w *Worker) threadLoop(ctx context.Context, tubeName string) error {
	pool, err := w.NewPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	pool.Watch(tubeName)
	return w.loop(ctx, pool)
}
