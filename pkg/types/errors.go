package types

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// Domain errors shared by the pipeline packages
var (
	ErrSourceExhausted        = errors.New("source exhausted")
	ErrInvalidCursor          = errors.New("invalid cursor")
	ErrInvalidWindow          = errors.New("invalid backfill window")
	ErrRunInProgress          = errors.New("run already in progress for job")
	ErrUnknownWorkflow        = errors.New("unknown workflow")
	ErrIndexNotFound          = errors.New("index not found")
	ErrDestinationUnreachable = errors.New("destination unreachable")
)

// PartialFailure is the recoverable outcome of a stage that handled only
// part of its input. The pump loop records it as the batch's result and
// moves on.
type PartialFailure struct {
	Stage     string
	Submitted int
	Success   int
	Failed    int
	Details   []RecordError
}

func (e *PartialFailure) Error() string {
	msg := fmt.Sprintf("%s: %d of %d records failed", e.Stage, e.Failed, e.Submitted)
	if len(e.Details) > 0 {
		msg += " (first: " + e.Details[0].ID + ": " + e.Details[0].Message + ")"
	}
	return msg
}

// FailedIDs returns the ids of the failed records
func (e *PartialFailure) FailedIDs() []string {
	ids := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		ids = append(ids, d.ID)
	}
	return ids
}

// NewPartialFailure builds a PartialFailure from the per-record errors of a stage
func NewPartialFailure(stage string, submitted int, details []RecordError) *PartialFailure {
	return &PartialFailure{
		Stage:     stage,
		Submitted: submitted,
		Success:   submitted - len(details),
		Failed:    len(details),
		Details:   details,
	}
}

// FatalError aborts the remaining work of a run
type FatalError struct {
	Stage string
	Err   error
	Stack string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error in %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError and captures the current stack
func Fatal(stage string, err error) *FatalError {
	return &FatalError{Stage: stage, Err: err, Stack: string(debug.Stack())}
}

// IsFatal reports whether err must abort the run
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// AsPartial extracts a PartialFailure from err
func AsPartial(err error) (*PartialFailure, bool) {
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}

// JoinMessages renders record errors as "id: message" lines
func JoinMessages(errs []RecordError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.ID+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}
