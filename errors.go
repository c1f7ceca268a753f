package dynamixel

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	// Transport errors, retried per the bus retry policy.
	ErrTimeout         = errors.New("communication timeout")
	ErrNoResponse      = errors.New("no response from motor")
	ErrPortUnavailable = errors.New("serial port unavailable")

	// Protocol errors, retried like transport errors.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrMalformed        = errors.New("malformed packet")

	// Validation errors, rejected before any bus transaction.
	ErrInvalidID           = errors.New("invalid motor ID")
	ErrInvalidLength       = errors.New("parameter payload too long")
	ErrOutOfRange          = errors.New("value out of range")
	ErrUnsupportedRegister = errors.New("register not supported by model")
	ErrUnknownModel        = errors.New("unknown model number")
	ErrReadOnly            = errors.New("register is read-only")

	// Lifecycle errors.
	ErrBusClosed = errors.New("bus is closed")
	ErrClosed    = errors.New("controller is closed")
	ErrOffline   = errors.New("motor is offline")
)

// CommError represents a bus-level communication error.
type CommError struct {
	Op  string // Operation that failed (e.g., "read", "write", "ping")
	Err error  // Underlying error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// MotorError represents an error tied to a specific motor.
type MotorError struct {
	ID     int         // Motor ID
	Op     string      // Operation that failed
	Status StatusError // Status flags from the motor (if applicable)
	Err    error       // Underlying error (if applicable)
}

func (e *MotorError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("motor %d %s failed: %s", e.ID, e.Op, e.Status.Error())
	}
	if e.Err != nil {
		return fmt.Sprintf("motor %d %s failed: %v", e.ID, e.Op, e.Err)
	}
	return fmt.Sprintf("motor %d %s failed", e.ID, e.Op)
}

func (e *MotorError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoResponse)
}

// IsRetryable reports whether the bus retry policy applies to err: timeouts
// and corrupted frames are retried, everything else surfaces immediately.
func IsRetryable(err error) bool {
	return IsTimeout(err) || errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrMalformed)
}

// GetMotorError extracts a MotorError from an error chain, if present.
func GetMotorError(err error) (*MotorError, bool) {
	var motorErr *MotorError
	if errors.As(err, &motorErr) {
		return motorErr, true
	}
	return nil, false
}
