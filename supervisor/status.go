//go:build linux

package supervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Status is a raw wait status as returned by wait4.
type Status int

// NoStatus means no specific child's status is available.
const NoStatus Status = -1

func (s Status) raw() unix.WaitStatus {
	return unix.WaitStatus(uint32(s))
}

// Exited reports whether the child called exit.
func (s Status) Exited() bool {
	return s != NoStatus && s.raw().Exited()
}

// ExitCode is the child's exit code, or -1 if it did not exit normally.
func (s Status) ExitCode() int {
	if !s.Exited() {
		return -1
	}

	return s.raw().ExitStatus()
}

// Signaled reports whether the child was terminated by a signal.
func (s Status) Signaled() bool {
	return s != NoStatus && s.raw().Signaled()
}

// Signal is the terminating signal, or 0 if the child was not signaled.
func (s Status) Signal() unix.Signal {
	if !s.Signaled() {
		return 0
	}

	return s.raw().Signal()
}

// ShellExitCode maps the status to the code a shell would report:
// the exit code, or 128 plus the signal number.
func (s Status) ShellExitCode() int {
	switch {
	case s.Exited():
		return s.ExitCode()
	case s.Signaled():
		return 128 + int(s.Signal())
	default:
		return -1
	}
}

// Err returns nil for a successful exit and an [*ExitError] otherwise.
func (s Status) Err() error {
	if s.Exited() && s.ExitCode() == 0 {
		return nil
	}

	return &ExitError{Status: s}
}

func (s Status) String() string {
	switch {
	case s == NoStatus:
		return "no status"
	case s.Exited():
		return fmt.Sprintf("exit status %d", s.ExitCode())
	case s.Signaled():
		return fmt.Sprintf("signal %d (%s)", int(s.Signal()), s.Signal())
	default:
		return fmt.Sprintf("wait status %#x", int(s))
	}
}

// ExitError reports a child that ran and did not exit successfully.
type ExitError struct {
	Status Status
}

func (e *ExitError) Error() string {
	return "child process failed: " + e.Status.String()
}
