package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrSilentExit makes a command exit 1 without printing an error, for
// commands that already reported the failure.
var ErrSilentExit = errors.New("silent exit")

// ExitCodeError carries the exit code of a supervised child.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// NewExitCodeError returns nil for code 0 and an *ExitCodeError otherwise.
func NewExitCodeError(code int) error {
	if code == 0 {
		return nil
	}

	return &ExitCodeError{Code: code}
}

// Command is one srt-wrap subcommand.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string
	Short   string
	Long    string
	Aliases []string
	Exec    func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's entry in the global usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-34s %s", c.Usage, c.Short)
}

// PrintHelp writes the command's usage, description and flags.
func (c *Command) PrintHelp(output io.Writer) {
	fprintln(output, "Usage: srt-wrap", c.Usage)
	fprintln(output)

	if c.Long != "" {
		fprintln(output, c.Long)
	} else {
		fprintln(output, c.Short)
	}

	if len(c.Aliases) > 0 {
		fprintln(output)
		fprintln(output, "Aliases:", strings.Join(c.Aliases, ", "))
	}

	fprintln(output)
	fprintln(output, "Flags:")
	fprintf(output, "%s", c.Flags.FlagUsages())
}

// Run parses args, runs the command and maps its error to an exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		fprintf(stderr, "Run 'srt-wrap %s --help' for usage.\n", c.Name())

		return 1
	}

	help, _ := c.Flags.GetBool("help")
	if help {
		c.PrintHelp(stdout)

		return 0
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err == nil {
		return 0
	}

	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if !errors.Is(err, ErrSilentExit) {
		fprintError(stderr, err)
	}

	return 1
}

// commandArgs drops the "--" separating a command's own operands from the
// program it runs.
func commandArgs(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}

	return args
}
