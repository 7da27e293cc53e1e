//go:build linux

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Wait reaps children until mainPID has terminated and returns its status.
// Other children reaped along the way are discarded, and children that have
// already exited when mainPID is reaped are collected without blocking.
//
// With mainPID 0, Wait does not return after the first child: it drains
// every child, blocking until none remain. It returns the status of the
// only child reaped, or [NoStatus] if none or several were reaped.
//
// A mainPID that is not a child of this process fails with [ErrNotChild].
func (s *Supervisor) Wait(ctx context.Context, mainPID int) (Status, error) {
	if mainPID < 0 {
		return NoStatus, fmt.Errorf("wait: invalid pid %d", mainPID)
	}

	if mainPID == 0 {
		return s.waitAll(ctx)
	}

	pid, status, err := wait4(mainPID, unix.WNOHANG)
	if errors.Is(err, unix.ECHILD) {
		return NoStatus, fmt.Errorf("wait for pid %d: %w", mainPID, ErrNotChild)
	}

	if err != nil {
		return NoStatus, fmt.Errorf("wait for pid %d: %w", mainPID, err)
	}

	if pid == mainPID {
		return status, s.reapExited()
	}

	for {
		pid, status, err := wait4(-1, unix.WNOHANG)

		switch {
		case errors.Is(err, unix.ECHILD):
			// Someone else reaped it.
			return NoStatus, fmt.Errorf("wait for pid %d: %w", mainPID, ErrNotChild)
		case err != nil:
			return NoStatus, fmt.Errorf("wait for pid %d: %w", mainPID, err)
		case pid == mainPID:
			s.debugf("main pid %d: %s", pid, status)

			return status, s.reapExited()
		case pid > 0:
			s.debugf("reaped pid %d: %s", pid, status)

			continue
		}

		select {
		case <-s.sigCh:
		case <-ctx.Done():
			return NoStatus, ctx.Err()
		}
	}
}

// waitAll drains every child of this process.
func (s *Supervisor) waitAll(ctx context.Context) (Status, error) {
	reaped := 0
	last := NoStatus

	for {
		pid, status, err := wait4(-1, unix.WNOHANG)

		switch {
		case errors.Is(err, unix.ECHILD):
			if reaped == 1 {
				return last, nil
			}

			return NoStatus, nil
		case err != nil:
			return NoStatus, fmt.Errorf("wait: %w", err)
		case pid > 0:
			s.debugf("reaped pid %d: %s", pid, status)

			reaped++
			last = status

			continue
		}

		select {
		case <-s.sigCh:
		case <-ctx.Done():
			return NoStatus, ctx.Err()
		}
	}
}

// TerminateAll makes every child of this process exit.
//
// It returns immediately if there are no children. Otherwise it gives them
// termDelay to exit on their own, sends SIGTERM to each child and its
// process group, waits up to killDelay, then sends SIGKILL and waits at
// most [Options.KillTimeout]. Zero delays mean the next step happens at
// once, not that it is skipped.
func (s *Supervisor) TerminateAll(ctx context.Context, termDelay, killDelay time.Duration) error {
	gone, err := s.reapAvailable()
	if err != nil || gone {
		return err
	}

	if termDelay > 0 {
		s.debugf("waiting %s for children to exit", termDelay)

		gone, err = s.waitGone(ctx, termDelay)
		if err != nil || gone {
			return err
		}
	}

	s.signalAll(unix.SIGTERM)

	gone, err = s.waitGone(ctx, killDelay)
	if err != nil || gone {
		return err
	}

	s.signalAll(unix.SIGKILL)

	gone, err = s.waitGone(ctx, s.opts.KillTimeout)
	if err != nil {
		return err
	}

	if !gone {
		return fmt.Errorf("%w within %s", ErrStuck, s.opts.KillTimeout)
	}

	return nil
}

// signalAll sends sig to every current child and to each child's process
// group, unless that group is our own.
func (s *Supervisor) signalAll(sig unix.Signal) {
	pids, err := listChildren()
	if err != nil {
		s.debugf("listing children: %v", err)

		return
	}

	groups := make(map[int]bool)

	for _, pid := range pids {
		s.debugf("sending %s to pid %d", sig, pid)

		pgid, err := unix.Getpgid(pid)
		if err == nil && pgid != s.pgid && !groups[pgid] {
			groups[pgid] = true

			err = unix.Kill(-pgid, sig)
			if err != nil && !errors.Is(err, unix.ESRCH) {
				s.debugf("kill process group %d: %v", pgid, err)
			}
		}

		err = unix.Kill(pid, sig)
		if err != nil && !errors.Is(err, unix.ESRCH) {
			s.debugf("kill pid %d: %v", pid, err)
		}
	}
}

// waitGone reaps until no children remain or d elapses. It reports whether
// all children are gone.
func (s *Supervisor) waitGone(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		gone, err := s.reapAvailable()
		if err != nil || gone {
			return gone, err
		}

		select {
		case <-s.sigCh:
		case <-timer.C:
			return s.reapAvailable()
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// reapAvailable reaps every exited child without blocking and reports
// whether no children remain.
func (s *Supervisor) reapAvailable() (bool, error) {
	for {
		pid, status, err := wait4(-1, unix.WNOHANG)

		switch {
		case errors.Is(err, unix.ECHILD):
			return true, nil
		case err != nil:
			return false, fmt.Errorf("wait: %w", err)
		case pid == 0:
			return false, nil
		}

		s.debugf("reaped pid %d: %s", pid, status)
	}
}

func (s *Supervisor) reapExited() error {
	_, err := s.reapAvailable()

	return err
}

func wait4(pid int, options int) (int, Status, error) {
	var ws unix.WaitStatus

	for {
		got, err := unix.Wait4(pid, &ws, options, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return 0, NoStatus, err
		}

		if got == 0 {
			return 0, NoStatus, nil
		}

		return got, Status(ws), nil
	}
}
