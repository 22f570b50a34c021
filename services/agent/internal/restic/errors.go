package restic

import "fmt"

// ToolError means restic itself exited non-zero or could not be spawned.
// The message carries the tool's stderr so callers can surface it verbatim.
type ToolError struct {
	Op       string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("restic %s failed: %s", e.Op, e.Stderr)
}

// ParseError means restic exited zero but its output was not parseable.
// It is distinct from a ToolError so callers can tell a broken invocation
// from a broken contract.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse restic %s output: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
