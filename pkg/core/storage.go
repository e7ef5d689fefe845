package core

import "context"

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// History persists the outcome of processed jobs. The broker owns the jobs
// themselves; history is an optional audit trail.
type History interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Record stores one processing outcome.
	Record(ctx context.Context, rec *JobRecord) error

	// Recent returns the newest records for a class, or for all classes when
	// class is empty.
	Recent(ctx context.Context, class string, limit int) ([]*JobRecord, error)

	// Counts returns the number of records per outcome since the store was created.
	Counts(ctx context.Context) (map[Outcome]int64, error)
}
