package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// CLI provides a clean interface for running CLI commands in tests.
// It manages a temp directory and environment variables.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLITester creates a new test CLI with a temp directory.
// The environment is pre-seeded with HOME (pointing to Dir), PATH, and an
// empty XDG_CONFIG_HOME so that the user's own config is never loaded.
func NewCLITester(t *testing.T) *CLI {
	t.Helper()

	dir := t.TempDir()

	return &CLI{
		t:   t,
		Dir: dir,
		Env: map[string]string{
			"HOME":            dir,
			"PATH":            os.Getenv("PATH"),
			"XDG_CONFIG_HOME": filepath.Join(dir, ".config"),
		},
	}
}

// Run executes the CLI with the given args and returns stdout, stderr, and exit code.
// Args should not include "srt-wrap" or "--cwd" - those are added automatically.
func (c *CLI) Run(args ...string) (string, string, int) {
	return c.RunWithInput(nil, args...)
}

// RunWithInput executes the CLI with stdin and args.
// stdin can be nil, an io.Reader, or a []string (joined with newlines).
func (c *CLI) RunWithInput(stdin any, args ...string) (string, string, int) {
	var inReader io.Reader

	switch v := stdin.(type) {
	case nil:
		inReader = nil
	case io.Reader:
		inReader = v
	case []string:
		inReader = strings.NewReader(strings.Join(v, "\n"))
	default:
		panic(fmt.Sprintf("RunWithInput: stdin must be nil, io.Reader, or []string, got %T", stdin))
	}

	var outBuf, errBuf bytes.Buffer

	fullArgs := append([]string{"srt-wrap", "--cwd", c.Dir}, args...)
	code := Run(inReader, &outBuf, &errBuf, fullArgs, c.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// MustRun executes the CLI and fails the test if the command returns non-zero.
// Returns trimmed stdout on success.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code != 0 {
		c.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes the CLI and fails the test if the command succeeds.
// Returns trimmed stderr.
func (c *CLI) MustFail(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code == 0 {
		c.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// WriteFile writes content to a file in the test directory.
func (c *CLI) WriteFile(relPath, content string) {
	c.t.Helper()

	path := filepath.Join(c.Dir, relPath)
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		c.t.Fatalf("failed to create dir %s: %v", dir, err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		c.t.Fatalf("failed to write file %s: %v", relPath, err)
	}
}

// WriteExecutable writes an executable script to a file in the test directory.
// Uses explicit Open/Write/Sync/Close to avoid "text file busy" errors.
func (c *CLI) WriteExecutable(relPath, content string) string {
	c.t.Helper()

	path := filepath.Join(c.Dir, relPath)
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		c.t.Fatalf("failed to create dir %s: %v", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		c.t.Fatalf("failed to create executable %s: %v", relPath, err)
	}

	_, err = f.WriteString(content)
	if err != nil {
		_ = f.Close()

		c.t.Fatalf("failed to write executable %s: %v", relPath, err)
	}

	err = f.Sync()
	if err != nil {
		_ = f.Close()

		c.t.Fatalf("failed to sync executable %s: %v", relPath, err)
	}

	err = f.Close()
	if err != nil {
		c.t.Fatalf("failed to close executable %s: %v", relPath, err)
	}

	// Brief sleep to ensure filesystem has fully released the file.
	// This works around "text file busy" errors on some systems.
	time.Sleep(10 * time.Millisecond)

	return path
}

// fakeBwrapScript stands in for bwrap: it drops every option and runs the
// command after "--" directly on the host.
const fakeBwrapScript = `#!/bin/sh
while [ "$#" -gt 0 ] && [ "$1" != "--" ]; do
	shift
done
shift
exec "$@"
`

// Mkdir creates a directory (and parents) in the test directory.
func (c *CLI) Mkdir(relPath string) string {
	c.t.Helper()

	path := filepath.Join(c.Dir, relPath)

	err := os.MkdirAll(path, 0o750)
	if err != nil {
		c.t.Fatalf("failed to create dir %s: %v", path, err)
	}

	return path
}

// stripANSI removes ANSI escape codes from a string.
// Used to normalize output for comparison regardless of TTY state.
func stripANSI(s string) string {
	result := s
	for {
		start := strings.Index(result, "\033[")
		if start == -1 {
			break
		}

		end := strings.Index(result[start:], "m")
		if end == -1 {
			break
		}

		result = result[:start] + result[start+end+1:]
	}

	return result
}

// AssertContains fails the test if content doesn't contain substr.
// Strips ANSI codes from content before comparison to handle TTY/non-TTY differences.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	cleaned := stripANSI(content)
	if !strings.Contains(cleaned, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
// Strips ANSI codes from content before comparison to handle TTY/non-TTY differences.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	cleaned := stripANSI(content)
	if strings.Contains(cleaned, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
