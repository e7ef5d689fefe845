package core

import "time"

// JobInfo identifies a reserved job on its broker.
type JobInfo struct {
	ID       uint64
	Tube     string
	Endpoint string
	Releases int
}

// ErrorHandler is called after every failed attempt, once the retry or bury
// decision has been applied.
type ErrorHandler func(err error, name string, args Args, job JobInfo)

// Outcome is the terminal state of one processing attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeBuried    Outcome = "buried"
	OutcomeHalted    Outcome = "halted"
	OutcomeFailed    Outcome = "failed"
)

// JobRecord is one row of processing history.
type JobRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	BrokerID   uint64    `gorm:"index"`
	Class      string    `gorm:"index;size:255;not null"`
	Tube       string    `gorm:"index;size:255"`
	Endpoint   string    `gorm:"size:255"`
	Args       []byte    `gorm:"type:bytes"`
	Outcome    Outcome   `gorm:"index;size:20"`
	Attempt    int       `gorm:"default:1"`
	Error      string    `gorm:"type:text"`
	DurationMS int64     `gorm:"default:0"`
	WorkerID   string    `gorm:"index;size:64"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index"`
}
