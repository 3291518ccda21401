package sequencer

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceInProgress is returned when Build or Up is called while a
	// sequence is already running on the same Sequencer.
	ErrSequenceInProgress = errors.New("sequence already in progress")

	// ErrInvalidTransition is returned for an edge the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrFilesystem wraps working directory, copy and log directory failures.
	ErrFilesystem = errors.New("filesystem failure")

	// ErrInstallFailed wraps a non-zero exit of the install command.
	ErrInstallFailed = errors.New("dependency install failed")

	// ErrNotPrepared is returned by Launch when no completed build exists for
	// the working directory.
	ErrNotPrepared = errors.New("working directory not prepared")
)

// StageError records which stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
