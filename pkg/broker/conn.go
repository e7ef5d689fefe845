package broker

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Broker replies that are not transport failures.
var (
	ErrReserveTimeout = errors.New("jobs: reserve timed out")
	ErrDeadlineSoon   = errors.New("jobs: reserved job deadline soon")
	ErrNotFound       = errors.New("jobs: job not found on broker")
	ErrLinkClosed     = errors.New("jobs: link closed")
)

// Conn is one transport to one broker. Implementations do not need to be
// safe for concurrent use; Link serializes access.
type Conn interface {
	Put(tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error)
	// Reserve waits up to timeout for a job on any of the given tubes.
	Reserve(tubes []string, timeout time.Duration) (uint64, []byte, error)
	Delete(id uint64) error
	Release(id uint64, pri uint32, delay time.Duration) error
	Bury(id uint64, pri uint32) error
	Touch(id uint64) error
	StatsJob(id uint64) (map[string]string, error)
	Stats() (map[string]string, error)
	ListTubes() ([]string, error)
	Close() error
}

// Dialer opens a transport to an endpoint. Errors that mean the broker is
// unreachable must wrap core.ErrNotConnected.
type Dialer func(ctx context.Context, ep Endpoint) (Conn, error)

// PutParams are the per-job broker settings.
type PutParams struct {
	Priority uint32
	Delay    time.Duration
	TTR      time.Duration
}

// Reservation is a job checked out from a link.
type Reservation struct {
	ID   uint64
	Body []byte
	Link *Link
}

// JobStats is the broker's view of one job.
type JobStats struct {
	ID       uint64
	Tube     string
	State    string
	Priority uint32
	Age      time.Duration
	Delay    time.Duration
	TTR      time.Duration
	TimeLeft time.Duration
	Reserves int
	Timeouts int
	Releases int
	Buries   int
	Kicks    int
}

// ParseJobStats converts the broker's stats-job reply. Unknown or malformed
// fields are left zero.
func ParseJobStats(m map[string]string) JobStats {
	num := func(k string) int64 {
		n, _ := strconv.ParseInt(m[k], 10, 64)
		return n
	}
	secs := func(k string) time.Duration {
		return time.Duration(num(k)) * time.Second
	}
	id, _ := strconv.ParseUint(m["id"], 10, 64)
	pri, _ := strconv.ParseUint(m["pri"], 10, 32)
	return JobStats{
		ID:       id,
		Tube:     m["tube"],
		State:    m["state"],
		Priority: uint32(pri),
		Age:      secs("age"),
		Delay:    secs("delay"),
		TTR:      secs("ttr"),
		TimeLeft: secs("time-left"),
		Reserves: int(num("reserves")),
		Timeouts: int(num("timeouts")),
		Releases: int(num("releases")),
		Buries:   int(num("buries")),
		Kicks:    int(num("kicks")),
	}
}
