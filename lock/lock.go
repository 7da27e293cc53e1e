//go:build linux

// Package lock provides advisory shared/exclusive locks on lock files.
//
// Locks are fcntl() record locks covering the whole file. Open file
// description (OFD) locks are preferred: they belong to the file
// description, so they conflict with other locks taken by the same process
// and survive being passed to a child process. On kernels without OFD locks
// the package falls back to process-associated locks, which do not conflict
// within one process.
//
// A lock is tied to its file descriptor, not to the path or to the *Lock
// value: deleting or replacing the file does not release it, and a lock
// whose descriptor has been stolen keeps the OS-level lock alive until the
// new owner closes it.
package lock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrBusy is wrapped when a conflicting lock is held by anyone.
var ErrBusy = errors.New("lock: resource busy")

// Flags control [Acquire].
type Flags uint

const (
	// Create creates the lock file if it does not exist.
	Create Flags = 1 << iota

	// Write requests an exclusive lock. Without it the lock is shared.
	Write

	// Wait blocks until the lock can be taken instead of failing with
	// ErrBusy.
	Wait
)

// CurrentDir may be passed as dirFD to resolve path against the current
// working directory. -1 is treated the same way.
const CurrentDir = unix.AT_FDCWD

// Lock owns a file descriptor holding an fcntl lock.
type Lock struct {
	mu    sync.Mutex
	fd    int
	isOFD bool
}

// Acquire opens path relative to dirFD and locks it.
//
// Acquire never blocks unless flags include Wait. Contention is reported as
// an error wrapping ErrBusy and naming path; callers decide whether to
// retry.
func Acquire(dirFD int, path string, flags Flags) (*Lock, error) {
	if dirFD < 0 {
		dirFD = CurrentDir
	}

	openFlags := unix.O_CLOEXEC | unix.O_NOCTTY
	lockType := int16(unix.F_RDLCK)

	if flags&Write != 0 {
		openFlags |= unix.O_RDWR
		lockType = unix.F_WRLCK
	} else {
		openFlags |= unix.O_RDONLY
	}

	if flags&Create != 0 {
		openFlags |= unix.O_CREAT
	}

	fd, err := openat(dirFD, path, openFlags)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %q: %w", path, err)
	}

	isOFD, err := setLock(fd, lockType, flags&Wait != 0)
	if err != nil {
		_ = unix.Close(fd)

		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("locking %q: %w", path, ErrBusy)
		}

		return nil, fmt.Errorf("locking %q: %w", path, err)
	}

	return &Lock{fd: fd, isOFD: isOFD}, nil
}

// NewFromExistingFD takes ownership of fd, which must already hold a lock.
// isOFD records whether that lock is an open file description lock.
func NewFromExistingFD(fd int, isOFD bool) *Lock {
	return &Lock{fd: fd, isOFD: isOFD}
}

// IsOFD reports whether the lock is an open file description lock.
func (l *Lock) IsOFD() bool {
	return l.isOFD
}

// StealFD transfers ownership of the descriptor to the caller and leaves l
// inert. It returns -1 if l no longer owns a descriptor.
func (l *Lock) StealFD() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd := l.fd
	l.fd = -1

	return fd
}

// File steals the descriptor into an *os.File, for example to hand it to a
// child process through exec.Cmd.ExtraFiles. It returns nil if l no longer
// owns a descriptor.
func (l *Lock) File(name string) *os.File {
	fd := l.StealFD()
	if fd < 0 {
		return nil
	}

	return os.NewFile(uintptr(fd), name)
}

// Release closes the descriptor, which drops the lock unless another copy
// of the descriptor is still open. Release is a no-op after StealFD and may
// be called more than once.
func (l *Lock) Release() error {
	fd := l.StealFD()
	if fd < 0 {
		return nil
	}

	err := unix.Close(fd)
	if err != nil {
		return fmt.Errorf("closing lock fd %d: %w", fd, err)
	}

	return nil
}

func openat(dirFD int, path string, flags int) (int, error) {
	for {
		fd, err := unix.Openat(dirFD, path, flags, 0o644)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return fd, err
	}
}

// setLock takes a whole-file lock, preferring OFD locks.
func setLock(fd int, lockType int16, wait bool) (bool, error) {
	flock := unix.Flock_t{
		Type:   lockType,
		Whence: int16(unix.SEEK_SET),
		Start:  0,
		Len:    0,
	}

	ofdCmd, processCmd := unix.F_OFD_SETLK, unix.F_SETLK
	if wait {
		ofdCmd, processCmd = unix.F_OFD_SETLKW, unix.F_SETLKW
	}

	err := fcntlLock(fd, ofdCmd, &flock)
	if err == nil {
		return true, nil
	}

	if !errors.Is(err, unix.EINVAL) {
		return false, err
	}

	// Kernel without OFD locks (before 3.15).
	flock.Pid = 0

	return false, fcntlLock(fd, processCmd, &flock)
}

func fcntlLock(fd, cmd int, flock *unix.Flock_t) error {
	for {
		err := unix.FcntlFlock(uintptr(fd), cmd, flock)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return err
	}
}
