package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/YellowOnion/steam-runtime-tools-sub006/supervisor"
)

// superviseInput describes one supervised run.
type superviseInput struct {
	cmd    *exec.Cmd
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// termDelay and killDelay are passed to TerminateAll once the main
	// child has exited.
	termDelay time.Duration
	killDelay time.Duration

	debugf func(format string, args ...any)
}

// runSupervised spawns in.cmd, waits for it, terminates whatever it left
// running and returns the exit code a shell would report.
//
// When ctx is cancelled the main child is abandoned and every child is
// terminated without the idle delay.
func runSupervised(ctx context.Context, in *superviseInput) (int, error) {
	sup, err := supervisor.New(supervisor.Options{Debugf: in.debugf})
	if err != nil {
		return 1, err
	}

	defer func() { _ = sup.Close() }()

	pipes, err := attachStdio(in.cmd, in.stdin, in.stdout, in.stderr)
	if err != nil {
		return 1, err
	}

	pid, err := sup.Spawn(in.cmd)

	pipes.started()

	if err != nil {
		pipes.finish()

		return 1, err
	}

	status, waitErr := sup.Wait(ctx, pid)

	termDelay := in.termDelay
	if waitErr != nil {
		termDelay = 0
	}

	termErr := sup.TerminateAll(context.WithoutCancel(ctx), termDelay, in.killDelay)

	pipes.finish()

	if waitErr != nil {
		return 1, fmt.Errorf("waiting for %s: %w", in.cmd.Path, waitErr)
	}

	if termErr != nil {
		return 1, fmt.Errorf("terminating leftover processes: %w", termErr)
	}

	if in.debugf != nil {
		in.debugf("%s: %s", in.cmd.Path, status)
	}

	return status.ShellExitCode(), nil
}

// stdioPipes connects non-file stdio to a child through pipes, so that
// output is complete once the child and its descendants are gone.
type stdioPipes struct {
	childEnds []*os.File
	copies    sync.WaitGroup
}

func attachStdio(cmd *exec.Cmd, stdin io.Reader, stdout, stderr io.Writer) (*stdioPipes, error) {
	pipes := &stdioPipes{}

	switch in := stdin.(type) {
	case nil:
	case *os.File:
		cmd.Stdin = in
	default:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}

		cmd.Stdin = r
		pipes.childEnds = append(pipes.childEnds, r)

		go func() {
			_, _ = io.Copy(w, in)
			_ = w.Close()
		}()
	}

	var err error

	cmd.Stdout, err = pipes.output(stdout)
	if err != nil {
		return nil, err
	}

	if stderr == stdout {
		cmd.Stderr = cmd.Stdout
	} else {
		cmd.Stderr, err = pipes.output(stderr)
		if err != nil {
			return nil, err
		}
	}

	return pipes, nil
}

func (p *stdioPipes) output(out io.Writer) (io.Writer, error) {
	switch out := out.(type) {
	case nil:
		return nil, nil
	case *os.File:
		return out, nil
	default:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating output pipe: %w", err)
		}

		p.childEnds = append(p.childEnds, w)
		p.copies.Add(1)

		go func() {
			defer p.copies.Done()

			_, _ = io.Copy(out, r)
			_ = r.Close()
		}()

		return w, nil
	}
}

// started closes the parent's copies of the child's pipe ends.
func (p *stdioPipes) started() {
	for _, f := range p.childEnds {
		_ = f.Close()
	}
}

// finish waits until all output has been copied.
func (p *stdioPipes) finish() {
	p.copies.Wait()
}
