package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies stage failures. The kind, not the Go type, is what the
// manifest records and what the CLI maps to exit codes.
type ErrorKind string

const (
	KindInvalidInput        ErrorKind = "InvalidInput"
	KindToolNotFound        ErrorKind = "ToolNotFound"
	KindToolVersionUnknown  ErrorKind = "ToolVersionUnknown"
	KindServiceUnavailable  ErrorKind = "ServiceUnavailable"
	KindServiceTimeout      ErrorKind = "ServiceTimeout"
	KindConstraintViolation ErrorKind = "ConstraintViolation"
	KindCancellation        ErrorKind = "CancellationRequested"
	KindArtifactCorruption  ErrorKind = "ArtifactCorruption"
	KindGateFailure         ErrorKind = "GateFailure"
	KindInternal            ErrorKind = "Internal"
)

// StageError carries an ErrorKind through the stage boundary.
type StageError struct {
	Kind ErrorKind
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Errf builds a StageError from a format string.
func Errf(kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err, preserving an existing StageError's kind.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &StageError{Kind: KindCancellation, Err: err}
	}
	return &StageError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to Internal.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancellation
	}
	return KindInternal
}
