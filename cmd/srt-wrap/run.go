package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
)

// exitForced is returned when a second signal arrives before the game's
// processes have been stopped.
const exitForced = 130

// cleanupSlack is added to the terminate timeout before giving up on a
// cancelled command.
const cleanupSlack = 5 * time.Second

type globalOptions struct {
	help    bool
	version bool
	cwd     string
	config  string
	rest    []string
}

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	opts, err := parseGlobalOptions(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printGlobalOptions(stderr)

		return 1
	}

	if opts.version {
		printVersion(stdout)

		return 0
	}

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: opts.cwd,
		ConfigPath:      opts.config,
		Env:             env,
	})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	commands := newCommandSet(&cfg, env)

	if opts.help || len(opts.rest) == 0 {
		printUsage(stdout, commands.list)

		return 0
	}

	cmd, cmdArgs := commands.lookup(opts.rest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, stdin, stdout, stderr, cmdArgs)
	}()

	return awaitCommand(done, sigCh, cancel, cfg.terminateTimeout()+cleanupSlack, stderr)
}

func parseGlobalOptions(args []string) (globalOptions, error) {
	var opts globalOptions

	fs := flag.NewFlagSet("srt-wrap", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.Usage = func() {}
	fs.SetOutput(io.Discard)

	fs.BoolVarP(&opts.help, "help", "h", false, "Show help")
	fs.BoolVarP(&opts.version, "version", "v", false, "Show version and exit")
	fs.StringVarP(&opts.cwd, "cwd", "C", "", "Run as if started in `dir`")
	fs.StringVar(&opts.config, "config", "", "Use specified config `file`")

	err := fs.Parse(args)
	if err != nil {
		return opts, err
	}

	opts.rest = fs.Args()

	return opts, nil
}

func printVersion(output io.Writer) {
	if commit == "none" && date == "unknown" {
		fprintf(output, "srt-wrap %s (built from source)\n", version)

		return
	}

	fprintf(output, "srt-wrap %s (%s, %s)\n", version, commit, date)
}

type commandSet struct {
	list   []*Command
	byName map[string]*Command
}

func newCommandSet(cfg *Config, env map[string]string) commandSet {
	set := commandSet{
		list: []*Command{
			RunCmd(cfg, env),
			PlanCmd(cfg, env),
			VerifyCmd(cfg),
			WithLockCmd(cfg, env),
		},
		byName: make(map[string]*Command),
	}

	for _, cmd := range set.list {
		set.byName[cmd.Name()] = cmd

		for _, alias := range cmd.Aliases {
			set.byName[alias] = cmd
		}
	}

	return set
}

// lookup returns the command named by args[0] and its arguments. Anything
// that is not a command name is the game to launch, so it goes to run.
func (s commandSet) lookup(args []string) (*Command, []string) {
	if cmd, ok := s.byName[args[0]]; ok {
		return cmd, args[1:]
	}

	return s.byName["run"], args
}

// awaitCommand waits for the command's exit code. The first signal cancels
// the command, which stops the game's processes; a second signal, or the
// command outliving grace, gives up with exitForced.
func awaitCommand(done <-chan int, sigCh <-chan os.Signal, cancel context.CancelFunc, grace time.Duration, stderr io.Writer) int {
	var sig os.Signal

	select {
	case code := <-done:
		return code
	case sig = <-sigCh:
	}

	fprintf(stderr, "srt-wrap: %s, stopping the game's processes (send again to force exit)\n", sig)
	cancel()

	select {
	case <-done:
		return signalExitCode(sig)
	case <-time.After(grace):
		fprintln(stderr, "srt-wrap: processes still running after", grace.String()+", giving up")
	case <-sigCh:
		fprintln(stderr, "srt-wrap: forced exit")
	}

	return exitForced
}

// signalExitCode is the shell's exit code for a process killed by sig.
func signalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}

	return exitForced
}

func fprintln(output io.Writer, a ...any) {
	_, _ = fmt.Fprintln(output, a...)
}

func fprintf(output io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(output, format, a...)
}

const (
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorReset  = "\033[0m"
)

func fprintError(output io.Writer, err error) {
	fprintln(output, label("error:", colorRed), err)
}

// warningf returns a printf-style function that writes warnings to output.
func warningf(output io.Writer) func(format string, args ...any) {
	return func(format string, args ...any) {
		fprintf(output, "%s %s\n", label("warning:", colorYellow), fmt.Sprintf(format, args...))
	}
}

func label(text, color string) string {
	if !isTerminal() {
		return text
	}

	return color + text + colorReset
}

const globalOptionsHelp = `  -h, --help             Show help
  -v, --version          Show version and exit
  -C, --cwd <dir>        Run as if started in <dir>
      --config <file>    Use specified config file`

func printGlobalOptions(output io.Writer) {
	fprintln(output, "Usage: srt-wrap [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Global flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Run 'srt-wrap --help' for a list of commands.")
}

const usageFooter = `Configuration:
  $XDG_CONFIG_HOME/srt-wrap/config.json[c]    global defaults
  .srt-wrap.json[c] in the working directory   per-game overrides
  Command-line flags override both.

Exit status:
  The game's exit status, 128+N if it was killed by signal N,
  1 if srt-wrap itself failed, 130 on a forced exit.`

func printUsage(output io.Writer, commands []*Command) {
	var b strings.Builder

	b.WriteString("srt-wrap - run games in a container runtime under bubblewrap\n\n")
	b.WriteString("Usage: srt-wrap [flags] <command> [args]\n")
	b.WriteString("       srt-wrap [flags] [run flags] -- <program> [args]\n\n")
	b.WriteString("Flags:\n" + globalOptionsHelp + "\n\n")
	b.WriteString("Commands:\n")

	for _, cmd := range commands {
		b.WriteString(cmd.HelpLine() + "\n")
	}

	b.WriteString("\n" + usageFooter + "\n\n")
	b.WriteString("Run 'srt-wrap <command> --help' for more information on a command.\n")

	_, _ = io.WriteString(output, b.String())
}

// isTerminal reports whether stderr, where colored labels go, is a
// terminal. Tests may replace it.
var isTerminal = func() bool {
	stat, err := os.Stderr.Stat()
	if err != nil {
		return false
	}

	return stat.Mode()&os.ModeCharDevice != 0
}
