// Package device tracks physical wallet identities across reconnects and
// serializes operations against each one through a per-device session with
// an interactive protocol state machine.
package device

import (
	"errors"
	"strings"
)

// Session errors indicate a caller or integration mistake and fail fast
// rather than being swallowed: silently absorbing a duplicate resume is how
// double-acknowledgement bugs reach the device.
var (
	// ErrBadState is returned when a resume does not match the currently
	// parked request, arrives after it resolved, or the session cannot
	// accept the call in its current state.
	ErrBadState = errors.New("session: bad state")

	// ErrQueueOverflow is returned when a device's operation queue is full.
	ErrQueueOverflow = errors.New("session: queue overflow")

	// ErrCanceled is the terminal error of operations aborted by an
	// explicit cancel.
	ErrCanceled = errors.New("session: canceled")

	// ErrUnknownDevice is returned when a dispatch names a canonical id
	// that is not currently connected.
	ErrUnknownDevice = errors.New("device: unknown device")
)

// IsBadState checks if an error indicates a rejected resume or an
// out-of-order session call.
func IsBadState(err error) bool {
	if errors.Is(err, ErrBadState) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "bad state")
}

// IsQueueOverflow checks if an error indicates a full operation queue.
func IsQueueOverflow(err error) bool {
	return errors.Is(err, ErrQueueOverflow)
}
