package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

// runScheduler enqueues recurring jobs registered with Queue.Schedule
// whenever they come due.
func (w *Worker) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(w.opts.ScheduleTick)
	defer ticker.Stop()

	nextRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for name, sj := range w.queue.ScheduledJobs() {
				next, ok := nextRun[name]
				if !ok {
					nextRun[name] = sj.Schedule.Next(now)
					continue
				}
				if now.Before(next) {
					continue
				}
				_, err := w.queue.Enqueue(ctx, sj.Name, sj.Args, sj.Options...)
				switch {
				case errors.Is(err, core.ErrHalted):
					w.logger.Debug("scheduled job halted by hook", "name", name)
				case err != nil:
					w.logger.Error("failed to enqueue scheduled job", "name", name, "error", err)
					continue
				default:
					w.logger.Debug("scheduled job enqueued", "name", name)
				}
				nextRun[name] = sj.Schedule.Next(now)
			}
		}
	}
}
