package execrun

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	res := Run(context.Background(), "sh", []string{"-c", "echo out; echo err >&2"}, Options{})
	if !res.Success() {
		t.Fatalf("Run() exit = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "out")
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("stderr = %q, want %q", res.Stderr, "err")
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	res := Run(context.Background(), "sh", []string{"-c", "echo boom >&2; exit 3"}, Options{})
	if res.ExitCode != 3 {
		t.Fatalf("exit = %d, want 3", res.ExitCode)
	}
	if res.Success() {
		t.Fatal("Success() = true for exit 3")
	}
	if !strings.Contains(res.Stderr, "boom") {
		t.Fatalf("stderr = %q, want it to contain %q", res.Stderr, "boom")
	}
}

func TestRunSpawnFailure(t *testing.T) {
	res := Run(context.Background(), "/nonexistent/definitely-not-a-binary", nil, Options{})
	if res.ExitCode != SpawnExitCode {
		t.Fatalf("exit = %d, want %d", res.ExitCode, SpawnExitCode)
	}
	if res.Stderr == "" {
		t.Fatal("stderr is empty, want the spawn error captured")
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	res := Run(context.Background(), "sh", []string{"-c", "sleep 10"}, Options{Timeout: 100 * time.Millisecond})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run() took %v, process was not killed", elapsed)
	}
	if !res.TimedOut {
		t.Fatalf("TimedOut = false, result = %+v", res)
	}
	if res.Success() {
		t.Fatal("Success() = true for a timed out run")
	}
}

func TestRunEnvOverridesParent(t *testing.T) {
	t.Setenv("EXECRUN_TEST_VAR", "parent")
	res := Run(context.Background(), "sh", []string{"-c", "printf %s \"$EXECRUN_TEST_VAR\""}, Options{
		Env: map[string]string{"EXECRUN_TEST_VAR": "child"},
	})
	if res.Stdout != "child" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "child")
	}
}

func TestStartStreamsStdout(t *testing.T) {
	p, err := Start(context.Background(), "sh", []string{"-c", "printf hello"}, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	data, err := io.ReadAll(p.Stdout)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("stdout = %q, want %q", data, "hello")
	}
	if res := p.Wait(); !res.Success() {
		t.Fatalf("Wait() = %+v", res)
	}
}

func TestStartReportsExitAfterStream(t *testing.T) {
	p, err := Start(context.Background(), "sh", []string{"-c", "printf partial; echo broken >&2; exit 1"}, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := io.ReadAll(p.Stdout); err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	res := p.Wait()
	if res.ExitCode != 1 {
		t.Fatalf("exit = %d, want 1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "broken") {
		t.Fatalf("stderr = %q, want it to contain %q", res.Stderr, "broken")
	}
}
