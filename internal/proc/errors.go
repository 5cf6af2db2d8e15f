package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by WaitTimeout when the process outlived the deadline
	ErrTimeout = errors.New("proc: timeout waiting for process")
	// ErrPipeTaken is returned when a pipe end is transferred more than once
	ErrPipeTaken = errors.New("proc: pipe already taken")
	// ErrNotPiped is returned when asking for a stream which was not piped on spawn
	ErrNotPiped = errors.New("proc: stream not piped")
)

type SpawnErrorKind int

const (
	PipeCreationFailed SpawnErrorKind = iota + 1
	ForkFailed
)

func (k SpawnErrorKind) String() string {
	switch k {
	case PipeCreationFailed:
		return "pipe creation failed"
	case ForkFailed:
		return "fork failed"
	default:
		return fmt.Sprintf("SpawnErrorKind(%d)", int(k))
	}
}

// SpawnError is returned by Spawn. Err carries the underlying OS error.
type SpawnError struct {
	Kind SpawnErrorKind
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IOError wraps a failed read or write on a process pipe.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return "proc: " + e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}
