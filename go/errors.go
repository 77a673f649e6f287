package shm

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Channel or semaphore.
	ErrClosed = errors.New("shm: closed")

	// ErrWouldBlock is returned by TryPut / TryTake when no permit is available.
	ErrWouldBlock = errors.New("shm: operation would block")

	// ErrOverRelease is returned when a semaphore is released past its maximum.
	ErrOverRelease = errors.New("shm: semaphore released past its maximum")

	// ErrProtocolViolation is wrapped by every ProtocolError.
	ErrProtocolViolation = errors.New("shm: protocol violation")

	// ErrBadSegment means an attached region does not carry a valid ring header.
	ErrBadSegment = errors.New("shm: invalid segment")

	// ErrBadSemaphore means an opened semaphore object is not one of ours.
	ErrBadSemaphore = errors.New("shm: invalid semaphore object")

	// ErrNotReady means the region exists but is smaller than the requested size.
	ErrNotReady = errors.New("shm: segment not ready")

	// ErrLockTimeout means the bootstrap lock could not be taken within
	// Config.ConnectionTimeout.
	ErrLockTimeout = errors.New("shm: timed out waiting for bootstrap lock")

	// ErrInvalidConfig wraps every Config.Validate failure.
	ErrInvalidConfig = errors.New("shm: invalid config")

	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = errors.New("shm: not supported on this platform")
)

// SetupError reports a failure while establishing a channel. Any resource
// acquired before the failure has already been released when it is returned.
type SetupError struct {
	Op   string // "lock", "create region", "open semaphore", ...
	Name string // object name involved
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("shm setup: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ProtocolError reports a put or take that would break the ring invariants.
// The ring is left untouched when one is returned.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("shm: %s: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }
