package jobctx

import (
	"context"
	"errors"
	"testing"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	intctx "github.com/jdziat/simple-beanstalk-jobs/pkg/internal/context"
)

func TestJobFromContext(t *testing.T) {
	t.Run("returns job when set in context", func(t *testing.T) {
		ctx := intctx.WithJobContext(context.Background(), &intctx.JobContext{
			Info:     core.JobInfo{ID: 9, Tube: "t"},
			Name:     "Mailer",
			WorkerID: "w-1",
		})

		info, ok := JobFromContext(ctx)
		if !ok {
			t.Fatal("expected job, got none")
		}
		if info.ID != 9 || info.Tube != "t" {
			t.Errorf("unexpected job info %+v", info)
		}
		if JobIDFromContext(ctx) != 9 {
			t.Errorf("expected id 9, got %d", JobIDFromContext(ctx))
		}
		if NameFromContext(ctx) != "Mailer" {
			t.Errorf("expected name Mailer, got %q", NameFromContext(ctx))
		}
		if WorkerIDFromContext(ctx) != "w-1" {
			t.Errorf("expected worker w-1, got %q", WorkerIDFromContext(ctx))
		}
	})

	t.Run("returns nothing when not set in context", func(t *testing.T) {
		ctx := context.Background()
		if _, ok := JobFromContext(ctx); ok {
			t.Error("expected no job")
		}
		if JobIDFromContext(ctx) != 0 || NameFromContext(ctx) != "" || WorkerIDFromContext(ctx) != "" {
			t.Error("expected zero values outside a job")
		}
	})
}

func TestTouch(t *testing.T) {
	if err := Touch(context.Background()); err != nil {
		t.Fatalf("expected nil outside a job, got %v", err)
	}

	touched := 0
	ctx := intctx.WithJobContext(context.Background(), &intctx.JobContext{
		Touch: func(context.Context) error { touched++; return nil },
	})
	if err := Touch(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if touched != 1 {
		t.Errorf("expected one touch, got %d", touched)
	}
}

func TestAttempt(t *testing.T) {
	n, err := Attempt(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected 0, nil outside a job, got %d, %v", n, err)
	}

	ctx := intctx.WithJobContext(context.Background(), &intctx.JobContext{
		Releases: func(context.Context) (int, error) { return 2, nil },
	})
	n, err = Attempt(ctx)
	if err != nil || n != 3 {
		t.Errorf("expected attempt 3, got %d, %v", n, err)
	}

	boom := errors.New("gone")
	ctx = intctx.WithJobContext(context.Background(), &intctx.JobContext{
		Releases: func(context.Context) (int, error) { return 0, boom },
	})
	if _, err := Attempt(ctx); !errors.Is(err, boom) {
		t.Errorf("expected %v, got %v", boom, err)
	}
}
