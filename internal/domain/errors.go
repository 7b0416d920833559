package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("no scan results found")
	ErrRepositoryNotFound    = errors.New("repository does not exist locally")
	ErrScanInProgress        = errors.New("scan already in progress")
	ErrInvalidRepositoryName = errors.New("invalid repository name")
	ErrMalformedDocument     = errors.New("malformed findings document")
)

// ToolUnavailableError means the analysis tool could not be started at all.
type ToolUnavailableError struct {
	Tool string
	Err  error
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("analysis tool %q unavailable: %v", e.Tool, e.Err)
}

func (e *ToolUnavailableError) Unwrap() error { return e.Err }

// ToolExecutionError means the tool ran but signalled failure or was killed
// after the scan deadline.
type ToolExecutionError struct {
	ExitCode int
	Output   string
	TimedOut bool
	Err      error
}

func (e *ToolExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("analysis tool timed out: %v", e.Err)
	}
	if e.Output == "" {
		return fmt.Sprintf("analysis tool exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("analysis tool exited with code %d: %s", e.ExitCode, e.Output)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse scan output: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError wraps any persistence failure of a ResultStore backend.
type StorageError struct {
	Op         string
	Repository string
	Err        error
}

func (e *StorageError) Error() string {
	if e.Repository == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Repository, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
