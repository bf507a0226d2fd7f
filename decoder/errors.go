package decoder

import (
	"errors"
	"fmt"

	"github.com/dv1/vmeta/engine"
)

// Sentinel errors for the decode error taxonomy. Callers distinguish
// failure classes with errors.Is; everything else rides along as wrapped
// detail.
var (
	// ErrResourceExhausted covers DMA allocation and pool acquire
	// failures. Fatal to the current cycle, ring and pool invariants
	// stay intact.
	ErrResourceExhausted = errors.New("decoder: resource exhausted")

	// ErrProtocolViolation covers lost buffer accounting: a pop from a
	// list that should be non-empty, or a picture the pool cannot
	// resolve. Unrecoverable for the session.
	ErrProtocolViolation = errors.New("decoder: buffer protocol violation")

	// ErrHardwareCommand covers failed hardware calls (push, pop,
	// decode step, pause/resume, command send). Fatal to the cycle.
	ErrHardwareCommand = errors.New("decoder: hardware command failed")

	// ErrClosed is returned for calls after Close.
	ErrClosed = errors.New("decoder: closed")
)

// HardwareError wraps a hardware call failure with the operation and the
// engine's own status code mapped to a readable string.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("decoder: %s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return ErrHardwareCommand }

// Status returns the hardware status code carried by the underlying
// engine error, or StatusErr if none was reported.
func (e *HardwareError) Status() engine.Status {
	var se *engine.StatusError
	if errors.As(e.Err, &se) {
		return se.Status
	}
	return engine.StatusErr
}

func hwErr(op string, err error) *HardwareError {
	return &HardwareError{Op: op, Err: err}
}
