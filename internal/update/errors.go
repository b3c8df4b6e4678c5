package update

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned before any I/O when the declared length
	// exceeds the region or the configured transfer limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrStreamIncomplete means the source ended or failed before the
	// declared length was received.
	ErrStreamIncomplete = errors.New("stream incomplete")
	// ErrStreamTimeout means a single receive exceeded its deadline.
	ErrStreamTimeout = errors.New("stream timeout")

	ErrStorageRead  = errors.New("storage read failed")
	ErrStorageErase = errors.New("storage erase failed")
	ErrStorageWrite = errors.New("storage write failed")

	ErrRegionMisaligned = errors.New("region size not a multiple of erase unit")
	ErrInvalidOptions   = errors.New("invalid writer options")
)

// Phase identifies the step a session failed in.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseReceive  Phase = "receive"
	PhaseErase    Phase = "erase"
	PhaseWrite    Phase = "write"
	PhaseVerify   Phase = "verify"
)

// SessionError reports why a session failed. errors.Is matches both the
// category sentinel (Kind) and the underlying cause.
type SessionError struct {
	Phase  Phase
	Offset int64
	Kind   error
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at offset %d (%s)", e.Kind, e.Offset, e.Phase)
	}
	return fmt.Sprintf("%s at offset %d (%s): %v", e.Kind, e.Offset, e.Phase, e.Err)
}

func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func failure(phase Phase, off int64, kind, err error) *SessionError {
	return &SessionError{Phase: phase, Offset: off, Kind: kind, Err: err}
}
