package worker

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/time/rate"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/config"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/security"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/tube"
)

// Strategy decides how reserved jobs are executed.
type Strategy interface {
	Name() string
	// Run blocks until ctx is cancelled or the strategy fails.
	Run(ctx context.Context, w *Worker, specs []tube.Spec) error
}

// StrategyFor returns the strategy registered under name.
func StrategyFor(name string) (Strategy, error) {
	switch name {
	case config.WorkerSimple, "":
		return Simple{}, nil
	case config.WorkerForking:
		return Forking{}, nil
	case config.WorkerThreading:
		return Threading{}, nil
	case config.WorkerThreadsOnFork:
		return ThreadsOnFork{}, nil
	}
	return nil, fmt.Errorf("%w: unknown worker %q", core.ErrInvalidConfig, name)
}

// Simple works every tube from one pool in the calling goroutine.
type Simple struct{}

// Name implements Strategy.
func (Simple) Name() string { return config.WorkerSimple }

// Run implements Strategy.
func (Simple) Run(ctx context.Context, w *Worker, specs []tube.Spec) error {
	w.setTubeRetries(specs)
	pool, err := w.NewPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if _, err := w.Prepare(ctx, pool, specNames(specs)); err != nil {
		return err
	}
	return w.loop(ctx, pool)
}

// threadsFor resolves a tube's goroutine count: tube setting, worker option,
// Config.Threads, then fallback.
func (w *Worker) threadsFor(s tube.Spec, fallback int) int {
	n := s.Threads
	if n == 0 {
		n = w.opts.Threads
	}
	if n == 0 {
		n = w.cfg.Threads
	}
	if n == 0 {
		n = fallback
	}
	return security.ClampConcurrency(n)
}

func (w *Worker) garbageFor(s tube.Spec) int {
	if s.GarbageLimit > 0 {
		return s.GarbageLimit
	}
	if w.opts.GarbageLimit > 0 {
		return w.opts.GarbageLimit
	}
	return w.cfg.GarbageLimit
}

// expandSpecs resolves specs into one spec per tube, keeping the settings of
// the entries that named the tube.
func (w *Worker) expandSpecs(ctx context.Context, specs []tube.Spec) ([]tube.Spec, error) {
	byTube := make(map[string]tube.Spec, len(specs))
	for _, s := range specs {
		byTube[w.cfg.TubeName(s.Name)] = s
	}

	var list func(context.Context) ([]string, error)
	if len(specs) == 0 && len(w.cfg.DefaultQueues) == 0 {
		pool, err := w.NewPool(ctx)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		list = pool.Tubes
	}
	tubes, err := w.resolveTubes(ctx, specNames(specs), list)
	if err != nil {
		return nil, err
	}

	out := make([]tube.Spec, len(tubes))
	for i, t := range tubes {
		s := byTube[t]
		s.Name = t
		out[i] = s
	}
	return out, nil
}

func (w *Worker) respawnLimiter() *rate.Limiter {
	burst := w.opts.RespawnBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(w.opts.RespawnEvery), burst)
}

func defaultThreads() int { return runtime.NumCPU() }
