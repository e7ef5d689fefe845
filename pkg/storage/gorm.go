package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/security"
)

// GormHistory implements core.History using GORM.
type GormHistory struct {
	db *gorm.DB
}

var _ core.History = (*GormHistory)(nil)

// NewGormHistory creates a new GORM-backed history.
func NewGormHistory(db *gorm.DB) *GormHistory {
	return &GormHistory{db: db}
}

// Open opens (creating if needed) a SQLite history at path and migrates it.
// Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string, opts ...PoolOption) (*GormHistory, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: open history %q: %w", path, err)
	}
	h, err := NewGormHistoryWithPool(db, append([]PoolOption{withPoolConfig(SQLitePoolConfig())}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := h.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("jobs: migrate history: %w", err)
	}
	return h, nil
}

// DB returns the underlying database.
func (s *GormHistory) DB() *gorm.DB { return s.db }

// IsSQLite reports whether the history is backed by SQLite.
func (s *GormHistory) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormHistory) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.JobRecord{})
}

// Record stores one processing outcome. Error messages are sanitized
// before storage.
func (s *GormHistory) Record(ctx context.Context, rec *core.JobRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Attempt < 1 {
		rec.Attempt = 1
	}
	rec.Error = security.SanitizeErrorMessage(rec.Error)
	return s.db.WithContext(ctx).Create(rec).Error
}

// Recent returns the newest records for a class, or for all classes when
// class is empty.
func (s *GormHistory) Recent(ctx context.Context, class string, limit int) ([]*core.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&core.JobRecord{})
	if class != "" {
		q = q.Where("class = ?", class)
	}
	var out []*core.JobRecord
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Counts returns the number of records per outcome.
func (s *GormHistory) Counts(ctx context.Context) (map[core.Outcome]int64, error) {
	type row struct {
		Outcome core.Outcome
		Count   int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Select("outcome, count(*) as count").
		Group("outcome").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[core.Outcome]int64, len(rows))
	for _, r := range rows {
		out[r.Outcome] = r.Count
	}
	return out, nil
}

// TubeStats is the outcome breakdown for one tube.
type TubeStats struct {
	Tube      string
	Completed int64
	Retried   int64
	Buried    int64
	Halted    int64
	Failed    int64
}

// TubeStats returns per-tube record counts grouped by outcome.
func (s *GormHistory) TubeStats(ctx context.Context) ([]*TubeStats, error) {
	type row struct {
		Tube    string
		Outcome core.Outcome
		Count   int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Select("tube, outcome, count(*) as count").
		Group("tube, outcome").
		Order("tube").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	var result []*TubeStats
	byTube := make(map[string]*TubeStats)
	for _, r := range rows {
		ts, ok := byTube[r.Tube]
		if !ok {
			ts = &TubeStats{Tube: r.Tube}
			byTube[r.Tube] = ts
			result = append(result, ts)
		}
		switch r.Outcome {
		case core.OutcomeCompleted:
			ts.Completed += r.Count
		case core.OutcomeRetried:
			ts.Retried += r.Count
		case core.OutcomeBuried:
			ts.Buried += r.Count
		case core.OutcomeHalted:
			ts.Halted += r.Count
		case core.OutcomeFailed:
			ts.Failed += r.Count
		}
	}
	return result, nil
}

// Filter narrows Search. Zero fields match everything.
type Filter struct {
	Class    string
	Tube     string
	Outcome  core.Outcome
	WorkerID string
	BrokerID uint64
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Search returns records matching the filter, newest first, with the total
// count before pagination.
func (s *GormHistory) Search(ctx context.Context, f Filter) ([]*core.JobRecord, int64, error) {
	q := s.db.WithContext(ctx).Model(&core.JobRecord{})

	if f.Class != "" {
		q = q.Where("class = ?", f.Class)
	}
	if f.Tube != "" {
		q = q.Where("tube = ?", f.Tube)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	if f.WorkerID != "" {
		q = q.Where("worker_id = ?", f.WorkerID)
	}
	if f.BrokerID != 0 {
		q = q.Where("broker_id = ?", f.BrokerID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at <= ?", f.Until)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*core.JobRecord
	err := q.Order("created_at DESC, id DESC").
		Offset(f.Offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Purge deletes records created before cutoff and returns how many went.
func (s *GormHistory) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&core.JobRecord{})
	return result.RowsAffected, result.Error
}
