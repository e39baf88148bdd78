package common

import (
	"errors"

	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
)

// Process exit codes
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitPaused      = 2
	ExitGateBlocked = 3
)

// ExitError carries an explicit exit code. A nil Err means the command
// already reported everything and main prints nothing.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Paused is returned by commands that left an operation waiting for the user
func Paused() error {
	return &ExitError{Code: ExitPaused}
}

// ExitCode maps a command error to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	switch {
	case execution.IsGateBlocked(err):
		return ExitGateBlocked
	case execution.IsRollbackIncomplete(err):
		// the operation stays paused until the user repairs the refs
		return ExitPaused
	}
	return ExitFailure
}
