package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

// ExitRecycled is the exit code of a child that finished its work normally
// and wants to be replaced.
const ExitRecycled = 99

// Child modes.
const (
	ModeOneJob        = "one_job"
	ModeThreadsOnFork = "threads_on_fork"
)

// ChildSpec tells a child what to do.
type ChildSpec struct {
	Mode         string   `env:"JOBS_CHILD_MODE"`
	Tubes        []string `env:"JOBS_CHILD_TUBES" envSeparator:","`
	Threads      int      `env:"JOBS_CHILD_THREADS"`
	GarbageLimit int      `env:"JOBS_CHILD_GARBAGE"`
	Retries      *int     `env:"JOBS_CHILD_RETRIES"`
}

// Child is a running child.
type Child interface {
	PID() int
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
	// Terminate asks the child to finish its current work and exit.
	Terminate() error
	// Kill stops the child immediately.
	Kill() error
}

// Spawner starts children.
type Spawner interface {
	Spawn(ctx context.Context, spec ChildSpec) (Child, error)
}

// ExecSpawner re-executes a binary with the child role in its environment.
// The binary must call jobs.MaybeRunChild before doing anything else.
type ExecSpawner struct {
	// Path defaults to os.Executable().
	Path string
	// Args defaults to the current process arguments.
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, spec ChildSpec) (Child, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("jobs: locate executable: %w", err)
		}
		path = exe
	}
	args := s.Args
	if args == nil && len(os.Args) > 1 {
		args = os.Args[1:]
	}

	cmd := exec.Command(path, args...)
	env := s.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), spec.Environ()...)
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("jobs: spawn child: %w", err)
	}
	return &execChild{cmd: cmd}, nil
}

type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) PID() int { return c.cmd.Process.Pid }

func (c *execChild) Wait() (int, error) {
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return c.cmd.ProcessState.ExitCode(), nil
}

func (c *execChild) Terminate() error { return c.cmd.Process.Signal(syscall.SIGTERM) }

func (c *execChild) Kill() error { return c.cmd.Process.Kill() }

// InProcessSpawner runs children as goroutines sharing the parent's worker.
// Useful for tests and for platforms where re-executing is not wanted.
type InProcessSpawner struct {
	Worker *Worker

	pids atomic.Int64
}

// Spawn implements Spawner.
func (s *InProcessSpawner) Spawn(ctx context.Context, spec ChildSpec) (Child, error) {
	if s.Worker == nil {
		return nil, errors.New("jobs: in-process spawner has no worker")
	}
	// Children outlive the parent's ctx until terminated.
	childCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &inProcessChild{
		pid:    int(s.pids.Add(1)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.code = RunChild(childCtx, s.Worker, spec)
	}()
	return c, nil
}

type inProcessChild struct {
	pid    int
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	code   int
}

func (c *inProcessChild) PID() int { return c.pid }

func (c *inProcessChild) Wait() (int, error) {
	<-c.done
	c.once.Do(c.cancel)
	return c.code, nil
}

func (c *inProcessChild) Terminate() error {
	c.once.Do(c.cancel)
	return nil
}

func (c *inProcessChild) Kill() error {
	c.once.Do(c.cancel)
	return nil
}
