//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"sync"
)

// Command constructs an unstarted [exec.Cmd] that would run argv inside the
// sandbox. The returned cleanup function must be called once the command
// has exited (or will never be started); it closes this process's copies
// of [Config.LockFiles]. Cleanup is safe to call multiple times.
//
// The returned *[exec.Cmd] is NOT started. Callers may set Stdin/Stdout/Stderr and
// then call Run/Start/Wait, or hand it to a process supervisor.
func (s *Sandbox) Command(ctx context.Context, argv []string) (*exec.Cmd, func() error, error) {
	noCleanup := func() error { return nil }

	if s == nil || s.v == nil || s.plan == nil {
		return nil, noCleanup, errors.New("sandbox: uninitialized sandbox (use New or NewWithEnvironment)")
	}

	if len(argv) == 0 {
		return nil, noCleanup, errors.New("sandbox: no command provided")
	}

	bwrapPath := s.v.cfg.BwrapPath
	if bwrapPath == "" {
		var err error

		bwrapPath, err = exec.LookPath("bwrap")
		if err != nil {
			return nil, noCleanup, fmt.Errorf("sandbox: bwrap not found in PATH: %w", err)
		}
	}

	full := s.Argv(bwrapPath, argv)

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Dir = s.v.env.WorkDir
	cmd.Env = slices.Clone(s.v.envSlice)

	if len(s.v.cfg.LockFiles) > 0 {
		cmd.ExtraFiles = slices.Clone(s.v.cfg.LockFiles)
	}

	if debugf := s.v.cfg.Debugf; debugf != nil {
		debugf("sandbox(command): argv0=%q bwrap=%q bwrapArgs=%d extraFiles=%d", argv[0], bwrapPath, len(s.plan.bwrapArgs), len(cmd.ExtraFiles))
	}

	return cmd, closeFilesOnce(s.v.cfg.LockFiles), nil
}

// envMapToSliceSorted converts a map env to a sorted KEY=VALUE slice.
//
// Sorting improves determinism in tests and makes debug output stable.
func envMapToSliceSorted(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}

func closeFilesOnce(files []*os.File) func() error {
	var (
		once   sync.Once
		outErr error
	)

	return func() error {
		once.Do(func() {
			outErr = closeFiles(files...)
		})

		return outErr
	}
}

func closeFiles(files ...*os.File) error {
	var errs []error

	for _, f := range files {
		if f == nil {
			continue
		}

		err := f.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
