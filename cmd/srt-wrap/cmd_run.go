package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/YellowOnion/steam-runtime-tools-sub006/lock"
	"github.com/YellowOnion/steam-runtime-tools-sub006/manifest"
	"github.com/YellowOnion/steam-runtime-tools-sub006/preload"
	"github.com/YellowOnion/steam-runtime-tools-sub006/sandbox"
)

var (
	// ErrNoCommand is returned when run is called without a command.
	ErrNoCommand = errors.New("no command specified")
	// ErrHomeNotFound is returned when the home directory cannot be determined.
	ErrHomeNotFound = errors.New("cannot determine home directory")
	// ErrHomeNotDir is returned when HOME points to a file instead of a directory.
	ErrHomeNotDir = errors.New("home directory is not a directory")
	// ErrInvalidEnvFlag is returned when an --env value is not KEY=VALUE.
	ErrInvalidEnvFlag = errors.New("invalid --env format: expected KEY=VALUE")
)

// runtimeRefFile is locked shared by every sandbox using a runtime, so that
// the runtime is not deleted or replaced while in use.
const runtimeRefFile = ".ref"

// runtimeManifestNames are looked up, in order, at the runtime root.
var runtimeManifestNames = []string{
	"usr-mtree.txt.gz",
	"usr-mtree.txt.zst",
	"usr-mtree.txt",
}

// RunCmd creates the run command, which runs a program in the sandbox.
func RunCmd(cfg *Config, env map[string]string) *Command {
	return newRunCommand("run [flags] [--] <command> [args]", "Run command in sandbox",
		"Run a command inside the sandbox and wait for it and everything it starts.\n"+
			"This is the default command: 'srt-wrap -- game' is 'srt-wrap run -- game'.",
		cfg, env, false)
}

// PlanCmd creates the plan command, which prints the bwrap command line
// without running it.
func PlanCmd(cfg *Config, env map[string]string) *Command {
	return newRunCommand("plan [flags] [--] <command> [args]", "Print the sandbox command line",
		"Print the bwrap command that 'run' would execute. Same as 'run --dry-run'.",
		cfg, env, true)
}

func newRunCommand(usage, short, long string, cfg *Config, env map[string]string, planOnly bool) *Command {
	name, _, _ := strings.Cut(usage, " ")

	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.BoolP("help", "h", false, "Show help")
	flags.String("runtime", "", "Use the container runtime rooted at `dir`")
	flags.String("graphics-provider", "", "Take graphics drivers from `dir` (default: host)")
	flags.Bool("remove-game-overlay", false, "Remove the Steam overlay from LD_PRELOAD")
	flags.StringArray("filesystem", nil, "Share `path` read-write (repeatable)")
	flags.StringArray("ld-preload", nil, "Add `module` to LD_PRELOAD (repeatable)")
	flags.StringArray("env", nil, "Set KEY=VALUE inside the sandbox (repeatable)")
	flags.Float64("terminate-idle-timeout", defaultTerminateIdleTimeout, "Let leftover processes run `seconds` after the command exits")
	flags.Float64("terminate-timeout", defaultTerminateTimeout, "Wait `seconds` between SIGTERM and SIGKILL")
	flags.Bool("verify-runtime", false, "Check the runtime against its manifest first")
	flags.String("bwrap", "", "Use bwrap executable at `path`")
	flags.Bool("debug", false, "Print sandbox startup details to stderr")

	if !planOnly {
		flags.Bool("dry-run", false, "Print bwrap command without executing")
	}

	return &Command{
		Flags:   flags,
		Usage:   usage,
		Short:   short,
		Long:    long,
		Aliases: []string{},
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			debugEnabled, _ := flags.GetBool("debug")

			var debug *DebugLogger
			if debugEnabled {
				debug = NewDebugLogger(stderr)
			} else {
				debug = NewDebugLogger(nil)
			}

			warn := warningf(stderr)

			args = commandArgs(args)
			if len(args) == 0 {
				return ErrNoCommand
			}

			homeDir, err := GetHomeDir(env)
			if err != nil {
				return err
			}

			debugConfigLoading(debug, cfg)

			err = applyRunFlags(cfg, flags)
			if err != nil {
				return err
			}

			debugConfigMerge(debug, cfg, flags)

			dryRun := planOnly
			if !planOnly {
				dryRun, _ = flags.GetBool("dry-run")
			}

			var lockFiles []*os.File

			if cfg.Runtime != "" && !dryRun {
				refLock, err := lock.Acquire(lock.CurrentDir, filepath.Join(cfg.Runtime, runtimeRefFile), lock.Create)
				if err != nil {
					return fmt.Errorf("runtime %s is being modified: %w", cfg.Runtime, err)
				}

				lockFiles = append(lockFiles, refLock.File(runtimeRefFile))
			}

			// The sandbox closes its lock files when done, but not if it
			// was never created.
			created := false

			defer func() {
				if !created {
					for _, f := range lockFiles {
						_ = f.Close()
					}
				}
			}()

			if cfg.Runtime != "" && boolValue(cfg.VerifyRuntime) {
				err = verifyRuntime(ctx, cfg.Runtime, debug, warn)
				if err != nil {
					return err
				}
			}

			exports := sandbox.NewExports("/", sandbox.Debugf(debug.Logf))

			sandboxEnv, unsetenv := remapPreload(cfg, env, flags, exports, debug, warn)

			hostEnv := maps.Clone(env)
			delete(hostEnv, "LD_PRELOAD")

			bwrapPath, _ := flags.GetString("bwrap")

			sb, err := sandbox.NewWithEnvironment(&sandbox.Config{
				Runtime:          cfg.Runtime,
				GraphicsProvider: cfg.GraphicsProvider,
				Exports:          exports,
				Filesystem:       cfg.Filesystem,
				Env:              sandboxEnv,
				Unsetenv:         unsetenv,
				LockFiles:        lockFiles,
				BwrapPath:        bwrapPath,
				Debugf:           sandbox.Debugf(debug.Logf),
			}, sandbox.Environment{
				HomeDir: homeDir,
				WorkDir: cfg.EffectiveCwd,
				HostEnv: hostEnv,
			})
			if err != nil {
				return err
			}

			DebugBwrapArgs(debug, sb.Args())

			if dryRun {
				if bwrapPath == "" {
					bwrapPath = "bwrap"
				}

				printDryRunOutput(stdout, bwrapPath, sb.Args(), args)

				return nil
			}

			cmd, cleanup, err := sb.Command(ctx, args)
			created = err == nil

			defer func() { _ = cleanup() }()

			if err != nil {
				return err
			}

			exitCode, err := runSupervised(ctx, &superviseInput{
				cmd:       cmd,
				stdin:     stdin,
				stdout:    stdout,
				stderr:    stderr,
				termDelay: cfg.terminateIdleTimeout(),
				killDelay: cfg.terminateTimeout(),
				debugf:    debug.Logf,
			})
			if err != nil {
				return err
			}

			return NewExitCodeError(exitCode)
		},
	}
}

// applyRunFlags applies CLI flag overrides to the config.
// Only flags that were explicitly set override config values.
func applyRunFlags(cfg *Config, flags *flag.FlagSet) error {
	if flags.Changed("runtime") {
		val, _ := flags.GetString("runtime")
		cfg.Runtime = resolveConfigPath(cfg.EffectiveCwd, val)
	}

	if flags.Changed("graphics-provider") {
		val, _ := flags.GetString("graphics-provider")
		cfg.GraphicsProvider = resolveConfigPath(cfg.EffectiveCwd, val)
	}

	if flags.Changed("remove-game-overlay") {
		val, _ := flags.GetBool("remove-game-overlay")
		cfg.RemoveGameOverlay = &val
	}

	if flags.Changed("verify-runtime") {
		val, _ := flags.GetBool("verify-runtime")
		cfg.VerifyRuntime = &val
	}

	if flags.Changed("terminate-timeout") {
		val, _ := flags.GetFloat64("terminate-timeout")
		cfg.TerminateTimeout = &val
	}

	if flags.Changed("terminate-idle-timeout") {
		val, _ := flags.GetFloat64("terminate-idle-timeout")
		cfg.TerminateIdleTimeout = &val
	}

	if flags.Changed("filesystem") {
		vals, _ := flags.GetStringArray("filesystem")
		cfg.Filesystem = append(cfg.Filesystem, vals...)
	}

	if flags.Changed("env") {
		vals, _ := flags.GetStringArray("env")

		err := applyEnvFlags(cfg, vals)
		if err != nil {
			return err
		}
	}

	return nil
}

func applyEnvFlags(cfg *Config, vals []string) error {
	if cfg.Env == nil {
		cfg.Env = make(map[string]string)
	}

	for _, v := range vals {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return fmt.Errorf("%w: %q", ErrInvalidEnvFlag, v)
		}

		cfg.Env[key] = value
	}

	return nil
}

// remapPreload rewrites LD_PRELOAD from the host environment and
// --ld-preload for use inside the sandbox, registering the host paths it
// needs with exports. It returns the variables to set in the sandbox and
// those to unset.
func remapPreload(cfg *Config, env map[string]string, flags *flag.FlagSet, exports *sandbox.Exports, debug *DebugLogger, warn func(string, ...any)) (map[string]string, []string) {
	sandboxEnv := maps.Clone(cfg.Env)
	if sandboxEnv == nil {
		sandboxEnv = make(map[string]string)
	}

	extra, _ := flags.GetStringArray("ld-preload")

	entries := preload.SplitSearchPath(env["LD_PRELOAD"])
	entries = append(entries, extra...)

	if len(entries) == 0 {
		return sandboxEnv, nil
	}

	var rt preload.Runtime

	if cfg.Runtime != "" {
		rt = preload.DirRuntime{
			FS:     os.DirFS(cfg.Runtime).(fs.StatFS),
			Prefix: sandbox.ProviderMountPoint,
		}
	}

	var opts preload.Options
	if boolValue(cfg.RemoveGameOverlay) {
		opts |= preload.RemoveGameOverlay
	}

	remapped := preload.AppendPreloads(nil, entries, preload.Environment{
		HostFS: os.DirFS("/").(fs.StatFS),
		Debugf: debug.Logf,
		Warnf:  warn,
	}, opts, rt, exports)

	DebugPreload(debug, entries, remapped)

	if len(remapped) == 0 {
		delete(sandboxEnv, "LD_PRELOAD")

		return sandboxEnv, []string{"LD_PRELOAD"}
	}

	sandboxEnv["LD_PRELOAD"] = preload.JoinForLoader(remapped)

	return sandboxEnv, nil
}

// verifyRuntime checks the runtime against the first manifest found at its
// root. A runtime without a manifest is used unverified.
func verifyRuntime(ctx context.Context, runtime string, debug *DebugLogger, warn func(string, ...any)) error {
	manifestPath, err := findManifest(runtime)
	if errors.Is(err, fs.ErrNotExist) {
		warn("runtime %s has no manifest, not verifying it", runtime)

		return nil
	}

	if err != nil {
		return err
	}

	debug.Section("Runtime Verification")
	debug.Logf("  manifest: %s", manifestPath)

	entries, err := manifest.Open(manifestPath)
	if err != nil {
		return err
	}

	report, err := manifest.Verify(ctx, runtime, entries, manifest.VerifyOptions{Debugf: debug.Logf})
	if err != nil {
		return fmt.Errorf("runtime %s: %w", runtime, err)
	}

	debug.Logf("  %d entries verified", report.Entries)

	return nil
}

func findManifest(dir string) (string, error) {
	for _, name := range runtimeManifestNames {
		path := filepath.Join(dir, name)

		exists, err := fileExists(path)
		if err != nil {
			return "", err
		}

		if exists {
			return path, nil
		}
	}

	return "", fmt.Errorf("no manifest in %s: %w", dir, fs.ErrNotExist)
}

// GetHomeDir returns the home directory, validating that it exists and is a directory.
// It first checks the env map (respects container overrides), then falls back to os.UserHomeDir().
func GetHomeDir(env map[string]string) (string, error) {
	home := env["HOME"]
	source := " (from $HOME)"

	if home == "" {
		var err error

		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: %w (set $HOME environment variable)", ErrHomeNotFound, err)
		}

		source = ""
	}

	info, err := os.Stat(home)
	if err != nil {
		return "", fmt.Errorf("%w: %s%s does not exist: %w", ErrHomeNotFound, home, source, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s%s", ErrHomeNotDir, home, source)
	}

	return home, nil
}

// printDryRunOutput formats and prints the bwrap command for dry-run mode.
// The output is shell-compatible and can be copy-pasted to run manually.
func printDryRunOutput(output io.Writer, bwrapPath string, bwrapArgs []string, command []string) {
	fprintf(output, "%s \\\n", shellQuoteIfNeeded(bwrapPath))

	for _, group := range groupBwrapArgs(bwrapArgs) {
		quoted := make([]string, len(group))
		for i, arg := range group {
			quoted[i] = shellQuoteIfNeeded(arg)
		}

		fprintf(output, "  %s \\\n", strings.Join(quoted, " "))
	}

	fprintf(output, "  --")

	for _, arg := range command {
		fprintf(output, " %s", shellQuoteIfNeeded(arg))
	}

	fprintln(output)
}

// shellQuoteIfNeeded returns the string quoted if it contains special characters,
// otherwise returns it unchanged. This makes the output shell-safe.
func shellQuoteIfNeeded(str string) string {
	if str == "" {
		return "''"
	}

	for _, c := range str {
		if !isShellSafeChar(c) {
			escaped := strings.ReplaceAll(str, "'", "'\"'\"'")

			return "'" + escaped + "'"
		}
	}

	return str
}

// isShellSafeChar returns true if the character doesn't need quoting in shell.
func isShellSafeChar(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '/' || c == ':' || c == '=' || c == ','
}
