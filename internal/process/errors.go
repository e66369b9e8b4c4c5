package process

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start while a previous child is still alive.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrNotReaped means the child survived SIGKILL for the whole kill window.
	ErrNotReaped = errors.New("process not reaped after SIGKILL")
)

// SpawnError reports that the service process could not be started.
type SpawnError struct {
	Name    string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Name, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TeardownError reports that the service process could not be terminated.
type TeardownError struct {
	Name string
	PID  int
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s (pid %d): %v", e.Name, e.PID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
