//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// validateConfigAndEnv validates user-controlled configuration and environment.
//
// The rest of the implementation assumes that validated fields satisfy their
// basic invariants (non-empty, absolute paths where required, existing
// directories). Any later violation is reported through internalErrorf.
func validateConfigAndEnv(cfg *Config, env Environment) error {
	errs := make([]error, 0, 5)

	errs = append(errs, validateEnvironment(env)...)
	errs = append(errs, validateTree("Runtime", cfg.Runtime)...)
	errs = append(errs, validateTree("GraphicsProvider", cfg.GraphicsProvider)...)
	errs = append(errs, validateMounts(cfg.Mounts)...)
	errs = append(errs, validateSandboxEnv(cfg.Env)...)

	for i, f := range cfg.LockFiles {
		if f == nil {
			errs = append(errs, fmt.Errorf("lock file %d is nil", i))
		}
	}

	return errors.Join(errs...)
}

func validateEnvironment(env Environment) []error {
	var errs []error

	if strings.TrimSpace(env.WorkDir) == "" {
		errs = append(errs, errors.New("environment WorkDir is empty"))
	} else if !filepath.IsAbs(env.WorkDir) {
		errs = append(errs, fmt.Errorf("environment WorkDir %q is not absolute", env.WorkDir))
	}

	if strings.TrimSpace(env.HomeDir) == "" {
		errs = append(errs, errors.New("environment HomeDir is empty"))
	} else if !filepath.IsAbs(env.HomeDir) {
		errs = append(errs, fmt.Errorf("environment HomeDir %q is not absolute", env.HomeDir))
	}

	return errs
}

// validateTree checks an optional host directory that will be merged into
// the sandbox.
func validateTree(field, path string) []error {
	if path == "" {
		return nil
	}

	if !filepath.IsAbs(path) {
		return []error{fmt.Errorf("%s %q is not absolute", field, path)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if !info.IsDir() {
		return []error{fmt.Errorf("%s %q is not a directory", field, path)}
	}

	return nil
}

func validateMounts(mounts []Mount) []error {
	var errs []error

	for i, mount := range mounts {
		if strings.TrimSpace(mount.Dst) == "" {
			errs = append(errs, fmt.Errorf("mount %d (%s) has empty destination", i, mountKindName(mount.Kind)))

			continue
		}

		if !filepath.IsAbs(mount.Dst) {
			errs = append(errs, fmt.Errorf("mount %d (%s) destination %q is not absolute", i, mountKindName(mount.Kind), mount.Dst))
		}

		switch mount.Kind {
		case MountRoBind, MountRoBindTry, MountBind, MountBindTry:
			if !filepath.IsAbs(mount.Src) {
				errs = append(errs, fmt.Errorf("mount %d (%s) source %q is not absolute", i, mountKindName(mount.Kind), mount.Src))
			}

		case MountSymlink:
			if mount.Src == "" {
				errs = append(errs, fmt.Errorf("mount %d (symlink) has empty target", i))
			}

		case MountTmpfs, MountDir, MountDev, MountProc:
			if mount.Src != "" {
				errs = append(errs, fmt.Errorf("mount %d (%s) does not accept a source path", i, mountKindName(mount.Kind)))
			}

		default:
			errs = append(errs, fmt.Errorf("mount %d has unknown kind %d", i, mount.Kind))
		}
	}

	return errs
}

func validateSandboxEnv(env map[string]string) []error {
	var errs []error

	for key := range env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			errs = append(errs, fmt.Errorf("invalid environment variable name %q", key))
		}
	}

	return errs
}
