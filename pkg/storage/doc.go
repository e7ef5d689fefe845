// Package storage keeps an audit trail of processed jobs.
//
// The broker owns the jobs themselves. GormHistory records one
// core.JobRecord per processing attempt in any database GORM supports, and
// Open is a shortcut for a SQLite file.
//
// Pass a history to a worker with worker.WithHistory.
package storage
