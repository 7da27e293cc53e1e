package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	flag "github.com/spf13/pflag"

	"github.com/YellowOnion/steam-runtime-tools-sub006/lock"
)

// ErrWithLockUsage is returned when with-lock is missing its lock file or command.
var ErrWithLockUsage = errors.New("usage: with-lock [flags] <file> -- <command> [args]")

// WithLockCmd creates the with-lock command, which runs a program while
// holding a lock on a file.
func WithLockCmd(cfg *Config, env map[string]string) *Command {
	flags := flag.NewFlagSet("with-lock", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.BoolP("help", "h", false, "Show help")
	flags.Bool("create", false, "Create the lock file if it does not exist")
	flags.Bool("write", false, "Take an exclusive lock instead of a shared one")
	flags.Bool("wait", false, "Wait for the lock instead of failing if it is busy")
	flags.Float64("terminate-timeout", defaultTerminateTimeout, "Wait `seconds` between SIGTERM and SIGKILL")
	flags.Bool("debug", false, "Print lock and process details to stderr")

	return &Command{
		Flags: flags,
		Usage: "with-lock [flags] <file> -- <command> [args]",
		Short: "Run a command holding a file lock",
		Long: "Lock <file> (shared unless --write), run <command>, and release the lock once\n" +
			"the command and every process it started have exited.",
		Aliases: []string{},
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) < 2 {
				return ErrWithLockUsage
			}

			path := resolveConfigPath(cfg.EffectiveCwd, args[0])

			argv := commandArgs(args[1:])
			if len(argv) == 0 {
				return ErrWithLockUsage
			}

			var flagsValue lock.Flags

			if v, _ := flags.GetBool("create"); v {
				flagsValue |= lock.Create
			}

			if v, _ := flags.GetBool("write"); v {
				flagsValue |= lock.Write
			}

			if v, _ := flags.GetBool("wait"); v {
				flagsValue |= lock.Wait
			}

			debugEnabled, _ := flags.GetBool("debug")

			debug := NewDebugLogger(nil)
			if debugEnabled {
				debug = NewDebugLogger(stderr)
			}

			lk, err := lock.Acquire(lock.CurrentDir, path, flagsValue)
			if err != nil {
				return err
			}

			defer func() { _ = lk.Release() }()

			debug.Logf("locked %s (ofd=%t)", path, lk.IsOFD())

			killDelay := cfg.terminateTimeout()
			if flags.Changed("terminate-timeout") {
				val, _ := flags.GetFloat64("terminate-timeout")
				killDelay = seconds(&val, defaultTerminateTimeout)
			}

			cmd := exec.Command(argv[0], argv[1:]...)
			cmd.Dir = cfg.EffectiveCwd
			cmd.Env = envMapToSlice(env)

			exitCode, err := runSupervised(ctx, &superviseInput{
				cmd:       cmd,
				stdin:     stdin,
				stdout:    stdout,
				stderr:    stderr,
				killDelay: killDelay,
				debugf:    debug.Logf,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", argv[0], err)
			}

			return NewExitCodeError(exitCode)
		},
	}
}

func envMapToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}

	return out
}
