package core

import "context"

// Performer executes a job's work with its decoded positional arguments.
type Performer interface {
	Execute(ctx context.Context, args Args) error
}

// PerformerFunc adapts a plain function to Performer.
type PerformerFunc func(ctx context.Context, args Args) error

// Execute calls f.
func (f PerformerFunc) Execute(ctx context.Context, args Args) error { return f(ctx, args) }
