//go:build linux

// Package sandbox plans the filesystem of a bubblewrap (bwrap) container
// composed from a container runtime, a graphics driver provider and
// selected host directories, and builds the command that launches it.
//
// The sandbox package does not execute commands itself; instead it constructs an
// unstarted *exec.Cmd that runs `bwrap ... -- <argv...>`.
//
// # Layout
//
// With a [Config.Runtime], the runtime's usr hierarchy becomes the sandbox
// root (see [BindUsr]) and the graphics provider (the host by default) is
// mounted the same way under /run/host. Without a runtime the host's own
// OS is used (see [UseHostOS]). In both cases the host's non-OS top-level
// directories are shared (see [ExportRootDirsLikeHost]) together with any
// paths the caller adds to [Config.Exports].
//
// # Planning vs Execution
//
// All filesystem inspection (symlink resolution, usr layout detection,
// listing the host root) happens during construction. The resulting Sandbox
// is a snapshot of the host at that point in time; construct a new one if
// the host changes.
//
// # Security Note
//
// This package only decides what bwrap should mount. Isolation properties
// depend on bubblewrap and the kernel.
package sandbox

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ProviderMountPoint is where the graphics provider's usr hierarchy appears
// inside a runtime sandbox.
const ProviderMountPoint = "/run/host"

// Sandbox is a planned sandbox ready to build commands.
//
// A Sandbox must not be copied after first use.
//
// A Sandbox is safe for concurrent use. Callers must call the cleanup
// function returned by [Sandbox.Command] once they are finished with the
// returned *exec.Cmd (even if the command is never started).
//
// Example:
//
//	s, err := sandbox.New(&sandbox.Config{Runtime: "/path/to/runtime/files"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cmd, cleanup, err := s.Command(ctx, []string{"./game"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cleanup()
type Sandbox struct {
	noCopy noCopy

	// v is the validated snapshot of cfg+env. It is nil only for a zero-value
	// Sandbox that was not constructed via New/NewWithEnvironment.
	v *validated

	plan *plan
}

// New constructs a Sandbox using an Environment derived from the current
// process (see [DefaultEnvironment]).
func New(cfg *Config) (*Sandbox, error) {
	env, err := DefaultEnvironment()
	if err != nil {
		return nil, fmt.Errorf("sandbox: creating default environment: %w", err)
	}

	return NewWithEnvironment(cfg, env)
}

// NewWithEnvironment constructs a Sandbox using an explicit environment.
//
// cfg is copied, except for cfg.Exports, which planning extends in place
// with the host directories it shares.
func NewWithEnvironment(cfg *Config, env Environment) (*Sandbox, error) {
	clonedCfg := cloneConfig(cfg)
	env = cloneEnvironment(env)

	err := validateConfigAndEnv(&clonedCfg, env)
	if err != nil {
		return nil, fmt.Errorf("sandbox: validating: %w", err)
	}

	if clonedCfg.Exports == nil {
		clonedCfg.Exports = NewExports("/", clonedCfg.Debugf)
	}

	validatedCfg := validated{cfg: clonedCfg, env: env, envSlice: envMapToSliceSorted(env.HostEnv)}

	plan, err := buildPlan(&validatedCfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: planning: %w", err)
	}

	return &Sandbox{v: &validatedCfg, plan: plan}, nil
}

// DefaultEnvironment returns an Environment derived from the current process.
//
// HomeDir is resolved from os.UserHomeDir(). WorkDir is resolved from os.Getwd().
// HostEnv is populated from os.Environ(). Invalid KEY=VALUE entries are ignored.
func DefaultEnvironment() (Environment, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return Environment{}, fmt.Errorf("get working directory: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Environment{}, fmt.Errorf("get home directory: %w", err)
	}

	hostEnv := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		hostEnv[key] = value
	}

	return Environment{
		HomeDir: homeDir,
		WorkDir: workDir,
		HostEnv: hostEnv,
	}, nil
}

// Config configures sandbox layout.
//
// Config is independent from any config-file loading or CLI flag parsing.
// The zero value runs commands on the host OS with the host's top-level
// directories shared.
type Config struct {
	// Runtime is the host path of the container runtime's root (the
	// directory containing its usr, or its usr contents directly). Empty
	// means use the host OS.
	Runtime string

	// GraphicsProvider is the host path of the tree that supplies graphics
	// drivers. It is mounted under [ProviderMountPoint] when Runtime is
	// set. Empty means the host root.
	GraphicsProvider string

	// Exports collects host paths shared with the sandbox. If nil, a set
	// rooted at "/" is created. Callers that remap LD_PRELOAD before
	// planning pass the same set here.
	Exports *Exports

	// Filesystem lists extra host paths shared read-write. Paths may be
	// absolute, "~"-prefixed or relative to [Environment.WorkDir].
	Filesystem []string

	// Mounts are low-level operations appended after the planned layout.
	Mounts []Mount

	// Env is set inside the sandbox with --setenv, in key order.
	Env map[string]string

	// Unsetenv lists variables removed inside the sandbox with --unsetenv.
	Unsetenv []string

	// LockFiles are inherited by bwrap and the sandboxed command so that
	// the locks they hold last as long as the sandbox.
	LockFiles []*os.File

	// BwrapPath overrides the bwrap executable. If empty, bwrap is looked
	// up in PATH.
	BwrapPath string

	// Debugf receives debug messages from planning and command construction.
	Debugf Debugf
}

// Debugf receives debug messages from sandbox preparation and command
// construction.
//
// The function should be safe to call from any goroutine.
type Debugf func(format string, args ...any)

// Mounts returns the planned filesystem operations, without the fixed
// namespace flags.
func (s *Sandbox) Mounts() []Mount {
	if s == nil || s.plan == nil {
		return nil
	}

	return slices.Clone(s.plan.mounts)
}

// Args returns the bwrap arguments that precede "--" for this sandbox.
func (s *Sandbox) Args() []string {
	if s == nil || s.plan == nil {
		return nil
	}

	return slices.Clone(s.plan.bwrapArgs)
}

// cloneConfig returns a copy of cfg. Slices and maps are cloned; Exports
// and the lock files are shared.
func cloneConfig(cfg *Config) Config {
	if cfg == nil {
		return Config{}
	}

	out := *cfg

	if cfg.Runtime != "" {
		out.Runtime = filepath.Clean(cfg.Runtime)
	}

	if cfg.GraphicsProvider != "" {
		out.GraphicsProvider = filepath.Clean(cfg.GraphicsProvider)
	}

	out.Filesystem = slices.Clone(cfg.Filesystem)
	out.Mounts = slices.Clone(cfg.Mounts)
	out.Unsetenv = slices.Clone(cfg.Unsetenv)
	out.LockFiles = slices.Clone(cfg.LockFiles)

	if cfg.Env != nil {
		out.Env = make(map[string]string, len(cfg.Env))
		maps.Copy(out.Env, cfg.Env)
	}

	return out
}

// cloneEnvironment returns a deep copy of env.
func cloneEnvironment(env Environment) Environment {
	out := env

	if env.HostEnv == nil {
		out.HostEnv = map[string]string{}
	} else {
		out.HostEnv = make(map[string]string, len(env.HostEnv))
		maps.Copy(out.HostEnv, env.HostEnv)
	}

	return out
}

type validated struct {
	cfg      Config
	env      Environment
	envSlice []string
}

// marker for go vet.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// internalErrorf reports an internal invariant violation.
//
// These errors indicate a bug in this package (or an unexpected environment
// mismatch after planning), rather than invalid caller input.
func internalErrorf(op, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)

	if op == "" {
		return fmt.Errorf("sandbox: internal error: %s", detail)
	}

	return fmt.Errorf("sandbox: internal error: %s: %s", op, detail)
}
