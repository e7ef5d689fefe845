// Package brokertest provides an in-memory broker that speaks the
// broker.Conn interface, with a controllable clock and failure injection.
package brokertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker"
	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

// Job states.
const (
	StateReady    = "ready"
	StateDelayed  = "delayed"
	StateReserved = "reserved"
	StateBuried   = "buried"
)

// Job is a snapshot of one job held by the server.
type Job struct {
	ID       uint64
	Tube     string
	Body     []byte
	Priority uint32
	Delay    time.Duration
	TTR      time.Duration
	State    string
	Releases int
	Reserves int
	Buries   int
	Timeouts int

	seq      uint64
	created  time.Time
	readyAt  time.Time
	deadline time.Time
	owner    *Conn
}

// Op is one recorded broker command.
type Op struct {
	Name     string
	ID       uint64
	Tube     string
	Priority uint32
	Delay    time.Duration
	TTR      time.Duration
}

// Server is an in-memory broker.
type Server struct {
	mu       sync.Mutex
	start    time.Time
	offset   time.Duration
	seq      uint64
	jobs     map[uint64]*Job
	tubes    map[string]bool
	ops      []Op
	down     bool
	gen      int
	dials    int
	failures map[string][]error
}

// NewServer returns an empty, reachable server.
func NewServer() *Server {
	return &Server{
		start:    time.Now(),
		jobs:     make(map[uint64]*Job),
		tubes:    map[string]bool{"default": true},
		failures: make(map[string][]error),
	}
}

func (s *Server) now() time.Time {
	return time.Now().Add(s.offset)
}

// Advance moves the server clock forward, maturing delays and expiring
// reservations.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

// SetDown makes the server unreachable. Existing connections fail on their
// next command and new dials are refused until SetDown(false).
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if down && !s.down {
		s.gen++
	}
	s.down = down
}

// FailNext makes the next command named op fail with err.
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], err)
	s.mu.Unlock()
}

// Dial opens a connection. It satisfies broker.Dialer.
func (s *Server) Dial(ctx context.Context, ep broker.Endpoint) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.down {
		return nil, fmt.Errorf("%w: dial %s: connection refused", core.ErrNotConnected, ep)
	}
	return &Conn{server: s, gen: s.gen}, nil
}

// Dials returns how many times Dial was called.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// PutRaw stores a job directly, bypassing any client.
func (s *Server) PutRaw(tube string, body []byte, pri uint32, delay, ttr time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(tube, body, pri, delay, ttr)
}

func (s *Server) putLocked(tube string, body []byte, pri uint32, delay, ttr time.Duration) uint64 {
	s.seq++
	now := s.now()
	j := &Job{
		ID:       s.seq,
		Tube:     tube,
		Body:     append([]byte(nil), body...),
		Priority: pri,
		Delay:    delay,
		TTR:      ttr,
		State:    StateReady,
		seq:      s.seq,
		created:  now,
	}
	if delay > 0 {
		j.State = StateDelayed
		j.readyAt = now.Add(delay)
	}
	s.jobs[j.ID] = j
	s.tubes[tube] = true
	return j.ID
}

// Job returns a snapshot of a job.
func (s *Server) Job(id uint64) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickLocked()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	cp := *j
	cp.owner = nil
	return cp, true
}

// Jobs returns snapshots of the jobs on tube in the given state, in id order.
// An empty state matches every state.
func (s *Server) Jobs(tube, state string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickLocked()
	var out []Job
	for _, j := range s.jobs {
		if (tube == "" || j.Tube == tube) && (state == "" || j.State == state) {
			cp := *j
			cp.owner = nil
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Ops returns the recorded commands.
func (s *Server) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Count returns how many recorded commands have the given name.
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.ops {
		if op.Name == name {
			n++
		}
	}
	return n
}

// OpsFor returns the recorded command names for one job, in order.
func (s *Server) OpsFor(id uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, op := range s.ops {
		if op.ID == id {
			out = append(out, op.Name)
		}
	}
	return out
}

// tickLocked matures delayed jobs and expires overdue reservations.
func (s *Server) tickLocked() {
	now := s.now()
	for _, j := range s.jobs {
		switch j.State {
		case StateDelayed:
			if !now.Before(j.readyAt) {
				j.State = StateReady
			}
		case StateReserved:
			if !now.Before(j.deadline) {
				j.State = StateReady
				j.owner = nil
				j.Timeouts++
			}
		}
	}
}

func (s *Server) nextReadyLocked(tubes []string) *Job {
	want := make(map[string]bool, len(tubes))
	for _, t := range tubes {
		want[t] = true
	}
	var best *Job
	for _, j := range s.jobs {
		if j.State != StateReady || !want[j.Tube] {
			continue
		}
		if best == nil || j.Priority < best.Priority || (j.Priority == best.Priority && j.seq < best.seq) {
			best = j
		}
	}
	return best
}

func (s *Server) record(op Op) {
	s.ops = append(s.ops, op)
}

// Conn is a client connection to a Server.
type Conn struct {
	server *Server
	gen    int
	closed bool
}

var _ broker.Conn = (*Conn)(nil)

// enter locks the server and checks the connection is still usable.
func (c *Conn) enter(op string) error {
	c.server.mu.Lock()
	s := c.server
	if c.closed || s.down || c.gen != s.gen {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: connection reset", core.ErrNotConnected, op)
	}
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		s.mu.Unlock()
		return errs[0]
	}
	s.tickLocked()
	return nil
}

func (c *Conn) Put(tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	if err := c.enter("put"); err != nil {
		return 0, err
	}
	defer c.server.mu.Unlock()
	id := c.server.putLocked(tube, body, pri, delay, ttr)
	c.server.record(Op{Name: "put", ID: id, Tube: tube, Priority: pri, Delay: delay, TTR: ttr})
	return id, nil
}

func (c *Conn) Reserve(tubes []string, timeout time.Duration) (uint64, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.enter("reserve"); err != nil {
			return 0, nil, err
		}
		s := c.server
		if j := s.nextReadyLocked(tubes); j != nil {
			j.State = StateReserved
			j.owner = c
			j.Reserves++
			ttr := j.TTR
			if ttr < time.Second {
				ttr = time.Second
			}
			j.deadline = s.now().Add(ttr)
			s.record(Op{Name: "reserve", ID: j.ID, Tube: j.Tube})
			body := append([]byte(nil), j.Body...)
			s.mu.Unlock()
			return j.ID, body, nil
		}
		s.mu.Unlock()

		if !time.Now().Before(deadline) {
			return 0, nil, broker.ErrReserveTimeout
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// owned returns the job if c holds its reservation.
func (c *Conn) owned(id uint64) *Job {
	j, ok := c.server.jobs[id]
	if !ok || j.State != StateReserved || j.owner != c {
		return nil
	}
	return j
}

func (c *Conn) Delete(id uint64) error {
	if err := c.enter("delete"); err != nil {
		return err
	}
	s := c.server
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (j.State == StateReserved && j.owner != c) {
		return fmt.Errorf("delete: %w", broker.ErrNotFound)
	}
	delete(s.jobs, id)
	s.record(Op{Name: "delete", ID: id, Tube: j.Tube})
	return nil
}

func (c *Conn) Release(id uint64, pri uint32, delay time.Duration) error {
	if err := c.enter("release"); err != nil {
		return err
	}
	s := c.server
	defer s.mu.Unlock()
	j := c.owned(id)
	if j == nil {
		return fmt.Errorf("release: %w", broker.ErrNotFound)
	}
	j.Releases++
	j.Priority = pri
	j.owner = nil
	j.Delay = delay
	if delay > 0 {
		j.State = StateDelayed
		j.readyAt = s.now().Add(delay)
	} else {
		j.State = StateReady
	}
	s.record(Op{Name: "release", ID: id, Tube: j.Tube, Priority: pri, Delay: delay})
	return nil
}

func (c *Conn) Bury(id uint64, pri uint32) error {
	if err := c.enter("bury"); err != nil {
		return err
	}
	s := c.server
	defer s.mu.Unlock()
	j := c.owned(id)
	if j == nil {
		return fmt.Errorf("bury: %w", broker.ErrNotFound)
	}
	j.Buries++
	j.Priority = pri
	j.owner = nil
	j.State = StateBuried
	s.record(Op{Name: "bury", ID: id, Tube: j.Tube, Priority: pri})
	return nil
}

func (c *Conn) Touch(id uint64) error {
	if err := c.enter("touch"); err != nil {
		return err
	}
	s := c.server
	defer s.mu.Unlock()
	j := c.owned(id)
	if j == nil {
		return fmt.Errorf("touch: %w", broker.ErrNotFound)
	}
	j.deadline = s.now().Add(j.TTR)
	s.record(Op{Name: "touch", ID: id, Tube: j.Tube})
	return nil
}

func (c *Conn) StatsJob(id uint64) (map[string]string, error) {
	if err := c.enter("stats-job"); err != nil {
		return nil, err
	}
	s := c.server
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("stats-job: %w", broker.ErrNotFound)
	}
	now := s.now()
	left := time.Duration(0)
	switch j.State {
	case StateReserved:
		left = j.deadline.Sub(now)
	case StateDelayed:
		left = j.readyAt.Sub(now)
	}
	secs := func(d time.Duration) string { return strconv.FormatInt(int64(d/time.Second), 10) }
	return map[string]string{
		"id":        strconv.FormatUint(j.ID, 10),
		"tube":      j.Tube,
		"state":     j.State,
		"pri":       strconv.FormatUint(uint64(j.Priority), 10),
		"age":       secs(now.Sub(j.created)),
		"delay":     secs(j.Delay),
		"ttr":       secs(j.TTR),
		"time-left": secs(left),
		"reserves":  strconv.Itoa(j.Reserves),
		"timeouts":  strconv.Itoa(j.Timeouts),
		"releases":  strconv.Itoa(j.Releases),
		"buries":    strconv.Itoa(j.Buries),
		"kicks":     "0",
	}, nil
}

func (c *Conn) Stats() (map[string]string, error) {
	if err := c.enter("stats"); err != nil {
		return nil, err
	}
	s := c.server
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, j := range s.jobs {
		counts[j.State]++
	}
	return map[string]string{
		"current-jobs-ready":    strconv.Itoa(counts[StateReady]),
		"current-jobs-delayed":  strconv.Itoa(counts[StateDelayed]),
		"current-jobs-reserved": strconv.Itoa(counts[StateReserved]),
		"current-jobs-buried":   strconv.Itoa(counts[StateBuried]),
		"current-tubes":         strconv.Itoa(len(s.tubes)),
		"total-jobs":            strconv.FormatUint(s.seq, 10),
	}, nil
}

func (c *Conn) ListTubes() ([]string, error) {
	if err := c.enter("list-tubes"); err != nil {
		return nil, err
	}
	s := c.server
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tubes))
	for t := range s.tubes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Close drops the connection; jobs it had reserved become ready again.
func (c *Conn) Close() error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, j := range s.jobs {
		if j.owner == c && j.State == StateReserved {
			j.State = StateReady
			j.owner = nil
		}
	}
	return nil
}

// Cluster maps endpoint addresses to servers for multi-endpoint pools.
type Cluster struct {
	mu      sync.Mutex
	servers map[string]*Server
}

// NewCluster creates a server per endpoint.
func NewCluster(endpoints ...broker.Endpoint) *Cluster {
	c := &Cluster{servers: make(map[string]*Server)}
	for _, ep := range endpoints {
		c.servers[ep.Addr()] = NewServer()
	}
	return c
}

// Server returns the server behind ep.
func (c *Cluster) Server(ep broker.Endpoint) *Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[ep.Addr()]
}

// Dial routes to the endpoint's server. Unknown endpoints are unreachable.
func (c *Cluster) Dial(ctx context.Context, ep broker.Endpoint) (broker.Conn, error) {
	s := c.Server(ep)
	if s == nil {
		return nil, fmt.Errorf("%w: dial %s: no such host", core.ErrNotConnected, ep)
	}
	return s.Dial(ctx, ep)
}
