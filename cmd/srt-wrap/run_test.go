package main

import (
	"bytes"
	"os"
	"syscall"
	"testing"
	"time"
)

func Test_Run_Shows_Help_When_No_Args(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout, _, code := c.Run()

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	AssertContains(t, stdout, "srt-wrap - run games in a container runtime")
	AssertContains(t, stdout, "Commands:")
}

func Test_Run_Shows_Help_When_H_Flag(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout, _, code := c.Run("-h")

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	AssertContains(t, stdout, "Commands:")

	for _, name := range []string{"run", "plan", "verify", "with-lock"} {
		AssertContains(t, stdout, "  "+name+" ")
	}

	AssertContains(t, stdout, "Run 'srt-wrap <command> --help'")
}

func Test_Run_Shows_Version_When_Version_Flag(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout, _, code := c.Run("--version")

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	AssertContains(t, stdout, "srt-wrap dev (built from source)")
}

func Test_Run_Fails_With_Error_When_Unknown_Global_Flag(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	_, stderr, code := c.Run("--no-such-flag")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	AssertContains(t, stderr, "error:")
	AssertContains(t, stderr, "unknown flag: --no-such-flag")
	AssertContains(t, stderr, "Global flags:")
}

func Test_Run_Shows_Command_Help_When_Help_Flag(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout, _, code := c.Run("verify", "--help")

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	AssertContains(t, stdout, "Usage: srt-wrap verify [flags] <dir>")
	AssertContains(t, stdout, "Aliases: check")
	AssertContains(t, stdout, "--no-hashes")
}

func Test_Run_Fails_When_Unknown_Command_Flag(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	_, stderr, code := c.Run("run", "--bogus", "--", "true")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	AssertContains(t, stderr, "unknown flag: --bogus")
	AssertContains(t, stderr, "Run 'srt-wrap run --help' for usage.")
}

func Test_Run_Fails_When_Config_Is_Invalid(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile(".srt-wrap.json", `{"runtime": `)

	_, stderr, code := c.Run("plan", "--", "true")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	AssertContains(t, stderr, "parsing config")
}

func Test_Run_Help_Lists_Config_Files_And_Exit_Status(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout := c.MustRun("--help")

	AssertContains(t, stdout, ".srt-wrap.json[c] in the working directory")
	AssertContains(t, stdout, "128+N if it was killed by signal N")
}

func Test_CommandSet_Lookup_Falls_Back_To_Run(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	set := newCommandSet(&cfg, nil)

	cmd, args := set.lookup([]string{"check", "tree"})
	if cmd.Name() != "verify" || len(args) != 1 || args[0] != "tree" {
		t.Errorf("lookup(check tree) = %s %q, want verify [tree]", cmd.Name(), args)
	}

	cmd, args = set.lookup([]string{"/usr/games/foo", "-x"})
	if cmd.Name() != "run" || len(args) != 2 {
		t.Errorf("lookup(program) = %s %q, want run with both args", cmd.Name(), args)
	}
}

func Test_AwaitCommand_Returns_Signal_Exit_Code_After_Cleanup(t *testing.T) {
	t.Parallel()

	done := make(chan int, 1)
	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGTERM

	var stderr bytes.Buffer

	code := awaitCommand(done, sigCh, func() { done <- 0 }, time.Minute, &stderr)

	if code != 128+int(syscall.SIGTERM) {
		t.Errorf("exit code = %d, want %d", code, 128+int(syscall.SIGTERM))
	}

	AssertContains(t, stderr.String(), "stopping the game's processes")
}

func Test_AwaitCommand_Forces_Exit_On_Second_Signal(t *testing.T) {
	t.Parallel()

	done := make(chan int)
	sigCh := make(chan os.Signal, 2)
	sigCh <- syscall.SIGINT
	sigCh <- syscall.SIGINT

	var stderr bytes.Buffer

	code := awaitCommand(done, sigCh, func() {}, time.Minute, &stderr)

	if code != exitForced {
		t.Errorf("exit code = %d, want %d", code, exitForced)
	}

	AssertContains(t, stderr.String(), "forced exit")
}

func Test_AwaitCommand_Gives_Up_When_Cleanup_Outlives_Grace(t *testing.T) {
	t.Parallel()

	done := make(chan int)
	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGINT

	var stderr bytes.Buffer

	code := awaitCommand(done, sigCh, func() {}, 10*time.Millisecond, &stderr)

	if code != exitForced {
		t.Errorf("exit code = %d, want %d", code, exitForced)
	}

	AssertContains(t, stderr.String(), "giving up")
}

func Test_AwaitCommand_Returns_Command_Exit_Code_Without_Signal(t *testing.T) {
	t.Parallel()

	done := make(chan int, 1)
	done <- 7

	if code := awaitCommand(done, nil, func() {}, time.Minute, &bytes.Buffer{}); code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}
