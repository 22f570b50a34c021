package execrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// SpawnExitCode is reported when the process could not be started at all
// (missing binary, permission denied). It is distinct from any exit code a
// real tool can return, so callers get one uniform result shape for every
// failure kind.
const SpawnExitCode = -1

// Options controls a single invocation.
type Options struct {
	// Env is merged over the parent environment; entries here win.
	Env map[string]string
	// Timeout, when positive, bounds the whole invocation. On expiry the
	// process is killed and the result is marked TimedOut.
	Timeout time.Duration
}

// Result is the uniform outcome of an invocation. A non-zero exit status is
// not an error; it is part of the normal result.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Success reports whether the process ran and exited zero.
func (r Result) Success() bool { return r.ExitCode == 0 && !r.TimedOut }

// Run executes the command, captures stdout and stderr fully, and waits for
// exit. It never returns an error: spawn failures surface as SpawnExitCode
// with the cause in Stderr, timeouts as TimedOut with the process killed.
func Run(ctx context.Context, name string, args []string, opts Options) Result {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = mergedEnv(opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{
			ExitCode: SpawnExitCode,
			Stderr:   fmt.Sprintf("failed to execute %s: %v", name, err),
		}
	}

	err := cmd.Wait()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() != nil {
		res.ExitCode = SpawnExitCode
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		if res.Stderr == "" {
			res.Stderr = fmt.Sprintf("%s terminated: %v", name, ctx.Err())
		}
		return res
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res
		}
		res.ExitCode = SpawnExitCode
		res.Stderr = fmt.Sprintf("failed to execute %s: %v", name, err)
		return res
	}

	return res
}

// Process is a started command whose stdout is consumed as a live stream.
// Stderr is buffered so Wait can report it after the stream ends.
type Process struct {
	Stdout io.ReadCloser

	cmd    *exec.Cmd
	stderr *bytes.Buffer
	cancel context.CancelFunc
}

// Start launches the command with its stdout exposed as a stream. The caller
// must drain or close Stdout and then call Wait, on every path.
func Start(ctx context.Context, name string, args []string, opts Options) (*Process, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)

		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Env = mergedEnv(opts.Env)
		p, err := startProcess(cmd)
		if err != nil {
			cancel()
			return nil, err
		}
		p.cancel = cancel
		return p, nil
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = mergedEnv(opts.Env)
	return startProcess(cmd)
}

func startProcess(cmd *exec.Cmd) (*Process, error) {
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", cmd.Path, err)
	}

	return &Process{Stdout: stdout, cmd: cmd, stderr: stderr}, nil
}

// Wait reaps the process and returns its exit status plus buffered stderr.
func (p *Process) Wait() Result {
	if p == nil {
		return Result{ExitCode: SpawnExitCode, Stderr: "nil process"}
	}
	if p.cancel != nil {
		defer p.cancel()
	}

	err := p.cmd.Wait()
	res := Result{Stderr: p.stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = SpawnExitCode
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
