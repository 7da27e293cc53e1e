//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// usrMergedNames are the top-level directories that BindUsr reproduces, in
// emission order. libexec, local, share, home and opt are left to callers.
var usrMergedNames = []string{"bin", "lib", "lib32", "lib64", "sbin"}

// BindUsr adds the operations that make dest/{bin,lib,lib32,lib64,sbin,usr}
// inside the sandbox look like the same directories under providerRoot on
// the host.
//
// A top-level name that is a symlink in the provider (merged /usr) is
// recreated as a symlink with the same target. A real directory is bound
// read-only. provider/usr is then bound read-only at dest/usr.
//
// If the provider has no usr directory, the provider root itself is bound at
// dest/usr and each present top-level name becomes a symlink into it, which
// synthesizes a merged layout.
//
// Operations are emitted in a fixed order independent of directory
// iteration order.
func BindUsr(plan *Plan, providerRoot, dest string) error {
	return bindUsr(plan, providerRoot, dest, nil)
}

func bindUsr(plan *Plan, providerRoot, dest string, debugf Debugf) error {
	if debugf == nil {
		debugf = func(string, ...any) {}
	}

	usrInfo, err := os.Stat(filepath.Join(providerRoot, "usr"))

	hasUsr := err == nil && usrInfo.IsDir()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sandbox: inspecting %s: %w", filepath.Join(providerRoot, "usr"), err)
	}

	if !hasUsr {
		debugf("bindUsr: %s has no usr, synthesizing merged layout at %s", providerRoot, dest)

		err = plan.Add(RoBind(providerRoot, filepath.Join(dest, "usr")))
		if err != nil {
			return err
		}
	}

	for _, name := range usrMergedNames {
		hostPath := filepath.Join(providerRoot, name)

		info, err := os.Lstat(hostPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return fmt.Errorf("sandbox: inspecting %s: %w", hostPath, err)
		}

		dst := filepath.Join(dest, name)

		switch {
		case !hasUsr:
			err = plan.Add(Symlink("usr/"+name, dst))

		case info.Mode()&fs.ModeSymlink != 0:
			var target string

			target, err = os.Readlink(hostPath)
			if err != nil {
				return fmt.Errorf("sandbox: reading link %s: %w", hostPath, err)
			}

			err = plan.Add(Symlink(target, dst))

		case info.IsDir():
			err = plan.Add(RoBind(hostPath, dst))

		default:
			debugf("bindUsr: ignoring %s (%s)", hostPath, info.Mode().Type())
		}

		if err != nil {
			return err
		}
	}

	if hasUsr {
		return plan.Add(RoBind(filepath.Join(providerRoot, "usr"), filepath.Join(dest, "usr")))
	}

	return nil
}
