//go:build linux

// Package supervisor spawns a sandboxed command and owns the lifetime of
// everything it leaves behind.
//
// A [Supervisor] marks the calling process as a child sub-reaper, so
// descendants orphaned inside the sandbox are re-parented to it and can be
// waited for. Child exit is observed through SIGCHLD; waiting never polls.
//
// Only one Supervisor should exist per process: reaping is process-wide and
// a Supervisor collects the exit status of any child, including ones it
// did not spawn.
package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrSetup is returned by [New] when the process cannot become a
	// sub-reaper or capture SIGCHLD. Callers should abort.
	ErrSetup = errors.New("supervisor: setup failed")

	// ErrExecutableNotFound is returned by [Supervisor.Spawn] when the
	// program does not exist.
	ErrExecutableNotFound = errors.New("executable not found")

	// ErrSpawnFailed is returned by [Supervisor.Spawn] when the program
	// exists but could not be started.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrNotChild is returned by [Supervisor.Wait] for a pid that is not a
	// child of this process.
	ErrNotChild = errors.New("not a child process")

	// ErrStuck is returned by [Supervisor.TerminateAll] when children
	// survive SIGKILL for longer than [Options.KillTimeout].
	ErrStuck = errors.New("child processes did not exit after SIGKILL")
)

// DefaultKillTimeout bounds how long [Supervisor.TerminateAll] waits for
// killed children to be reaped.
const DefaultKillTimeout = 10 * time.Second

// Options configure a [Supervisor].
type Options struct {
	// KillTimeout bounds the wait after SIGKILL. Zero means
	// DefaultKillTimeout.
	KillTimeout time.Duration

	// Debugf, if set, receives lifecycle messages.
	Debugf func(format string, args ...any)
}

// Supervisor reaps children of the current process.
type Supervisor struct {
	opts   Options
	sigCh  chan os.Signal
	pgid   int
	closed sync.Once
}

// New marks the process as a sub-reaper and starts capturing SIGCHLD. It
// must be called before any child is spawned, or exits that happen before
// capture starts may be missed by a blocking wait.
func New(opts Options) (*Supervisor, error) {
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}

	err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: becoming sub-reaper: %w", ErrSetup, err)
	}

	pgid, err := unix.Getpgid(0)
	if err != nil {
		return nil, fmt.Errorf("%w: getpgid: %w", ErrSetup, err)
	}

	s := &Supervisor{
		opts:  opts,
		sigCh: make(chan os.Signal, 1),
		pgid:  pgid,
	}

	signal.Notify(s.sigCh, syscall.SIGCHLD)

	return s, nil
}

// Close stops SIGCHLD capture. The process remains a sub-reaper.
func (s *Supervisor) Close() error {
	s.closed.Do(func() {
		signal.Stop(s.sigCh)
	})

	return nil
}

func (s *Supervisor) debugf(format string, args ...any) {
	if s.opts.Debugf != nil {
		s.opts.Debugf(format, args...)
	}
}

// Spawn starts cmd in a new process group and returns its pid.
//
// The caller must not call cmd.Wait: the child is reaped by [Supervisor.Wait]
// or [Supervisor.TerminateAll]. Stdio should be nil or *os.File so that no
// copying goroutines depend on Wait.
func (s *Supervisor) Spawn(cmd *exec.Cmd) (int, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.Setpgid = true

	err := cmd.Start()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, cmd.Path, err)
		}

		return 0, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, cmd.Path, err)
	}

	pid := cmd.Process.Pid

	// Drop the runtime's handle so the pid is only ever reaped through wait4.
	_ = cmd.Process.Release()

	s.debugf("spawned %s as pid %d", cmd.Path, pid)

	return pid, nil
}
