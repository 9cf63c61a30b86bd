// Package faults defines the error taxonomy shared by the migration components
// and its mapping onto CLI exit codes.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the system reacts to it.
type Kind string

const (
	// KindValidation rejects a request before any state change. Never retried.
	KindValidation Kind = "validation"
	// KindHealthCheck marks metrics as temporarily unavailable.
	KindHealthCheck Kind = "health_check"
	// KindRollback is the designed response to a detected breach.
	KindRollback Kind = "rollback"
	// KindCheckpoint is a failure to write or read a checkpoint.
	KindCheckpoint Kind = "checkpoint"
	// KindConfig is malformed configuration; fatal at startup.
	KindConfig Kind = "config"
)

// Exit codes returned by the CLI.
const (
	ExitOK         = 0
	ExitValidation = 1
	ExitRolledBack = 2
	ExitInternal   = 3
)

// Error carries a Kind, the operation that failed and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation wraps err as a validation failure.
func Validation(op string, err error) error { return wrap(KindValidation, op, err) }

// Validationf builds a validation failure naming the violated invariant.
func Validationf(op, format string, args ...any) error {
	return wrap(KindValidation, op, fmt.Errorf(format, args...))
}

// HealthCheck wraps err as a metrics availability failure.
func HealthCheck(op string, err error) error { return wrap(KindHealthCheck, op, err) }

// RollbackTriggered records that a command ended in a rollback.
func RollbackTriggered(op string, err error) error { return wrap(KindRollback, op, err) }

// Checkpoint wraps err as a checkpoint persistence failure.
func Checkpoint(op string, err error) error { return wrap(KindCheckpoint, op, err) }

// Config wraps err as a configuration failure.
func Config(op string, err error) error { return wrap(KindConfig, op, err) }

// KindOf returns the outermost Kind in the chain, or "" when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// ExitCode maps err onto the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch {
	case Is(err, KindRollback):
		return ExitRolledBack
	case Is(err, KindValidation), Is(err, KindConfig), Is(err, KindHealthCheck):
		return ExitValidation
	default:
		return ExitInternal
	}
}
