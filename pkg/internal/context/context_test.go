package context

import (
	"context"
	"testing"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

func TestWithJobContextAndGetJobContext(t *testing.T) {
	t.Run("stores and retrieves job context", func(t *testing.T) {
		jc := &JobContext{
			Info:     core.JobInfo{ID: 42, Tube: "backburner.worker.queue.mailer"},
			Name:     "Mailer",
			WorkerID: "worker-1",
		}

		ctx := WithJobContext(context.Background(), jc)
		retrieved := GetJobContext(ctx)

		if retrieved == nil {
			t.Fatal("expected job context to be set, got nil")
		}
		if retrieved.Info.ID != 42 {
			t.Errorf("expected job ID 42, got %d", retrieved.Info.ID)
		}
		if retrieved.WorkerID != "worker-1" {
			t.Errorf("expected worker ID %q, got %q", "worker-1", retrieved.WorkerID)
		}
	})

	t.Run("returns nil when not set", func(t *testing.T) {
		if GetJobContext(context.Background()) != nil {
			t.Error("expected nil job context")
		}
	})

	t.Run("ignores values of the wrong type", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), JobContextKey{}, "not a job context")
		if GetJobContext(ctx) != nil {
			t.Error("expected nil for wrong value type")
		}
	})
}
