package core

import "time"

// Event is the interface for all worker events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a reserved job starts processing.
type JobStarted struct {
	Job       JobInfo
	Name      string
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job performed and was deleted.
type JobCompleted struct {
	Job       JobInfo
	Name      string
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobRetrying is emitted when a failed job is released for another attempt.
type JobRetrying struct {
	Job       JobInfo
	Name      string
	Attempt   int
	Delay     time.Duration
	Error     error
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// JobBuried is emitted when a job exhausted its retries or could not be decoded.
type JobBuried struct {
	Job       JobInfo
	Name      string
	Error     error
	Timestamp time.Time
}

func (*JobBuried) eventMarker() {}

// JobFailed is emitted for every failed attempt, before the retry decision.
type JobFailed struct {
	Job       JobInfo
	Name      string
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// ChildExited is emitted when a worker child process ends.
type ChildExited struct {
	Tube      string
	PID       int
	ExitCode  int
	Timestamp time.Time
}

func (*ChildExited) eventMarker() {}
