package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific transport or protocol failure for
// programmatic handling.
type ErrorCode int

// Transport errors (100-199)
const (
	ErrCodeNotFound ErrorCode = iota + 100
	ErrCodeAccessDenied
	ErrCodeBusy
	ErrCodeTimeout
	ErrCodeDisconnected
)

// Protocol errors (200-299)
const (
	ErrCodeUnexpectedMessage ErrorCode = iota + 200
	ErrCodeMalformedFrame
	ErrCodeDeviceRejected
)

// Error provides structured error information for transport and protocol
// failures. Code distinguishes the failure class; Device carries the
// canonical id when known.
type Error struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "Open", "Receive")
	Device  string // Optional: canonical id of the device involved
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Device != "" {
		sb.WriteString(" (device ")
		sb.WriteString(e.Device)
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewNotFoundError creates an error for a device absent on both backplanes.
func NewNotFoundError(op, device string) *Error {
	return &Error{Code: ErrCodeNotFound, Op: op, Device: device, Message: "device not found"}
}

// NewAccessDeniedError creates an error for OS-level permission failures.
func NewAccessDeniedError(op, device string, cause error) *Error {
	return &Error{Code: ErrCodeAccessDenied, Op: op, Device: device, Message: "access denied", Cause: cause}
}

// NewBusyError creates an error for a device already claimed by another
// handle or process.
func NewBusyError(op, device string) *Error {
	return &Error{Code: ErrCodeBusy, Op: op, Device: device, Message: "device busy"}
}

// NewTimeoutError creates an error for an exchange that exceeded its deadline.
func NewTimeoutError(op, device string) *Error {
	return &Error{Code: ErrCodeTimeout, Op: op, Device: device, Message: "timed out"}
}

// NewDisconnectedError creates an error for a device lost mid-exchange.
func NewDisconnectedError(op, device string, cause error) *Error {
	return &Error{Code: ErrCodeDisconnected, Op: op, Device: device, Message: "device disconnected", Cause: cause}
}

// NewUnexpectedMessageError creates an error for a reply the caller's
// protocol state cannot accept.
func NewUnexpectedMessageError(op string, msgType uint16) *Error {
	return &Error{Code: ErrCodeUnexpectedMessage, Op: op, Message: fmt.Sprintf("unexpected message type %d", msgType)}
}

// NewMalformedFrameError creates an error for bytes that do not parse as a
// protocol frame.
func NewMalformedFrameError(op, message string) *Error {
	return &Error{Code: ErrCodeMalformedFrame, Op: op, Message: message}
}

// NewDeviceRejectedError creates an error for an explicit Failure reply from
// the device firmware.
func NewDeviceRejectedError(op, device, reason string) *Error {
	if reason == "" {
		reason = "request rejected by device"
	}
	return &Error{Code: ErrCodeDeviceRejected, Op: op, Device: device, Message: reason}
}

// IsNotFound checks if an error indicates the device was absent.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsAccessDenied checks if an error indicates an OS permission failure.
func IsAccessDenied(err error) bool {
	if hasCode(err, ErrCodeAccessDenied) {
		return true
	}
	if err == nil {
		return false
	}
	// Fallback to string matching for errors surfaced by the USB stacks
	errStr := err.Error()
	return strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "access denied") ||
		strings.Contains(errStr, "LIBUSB_ERROR_ACCESS")
}

// IsBusy checks if an error indicates the device was already claimed.
func IsBusy(err error) bool {
	if hasCode(err, ErrCodeBusy) {
		return true
	}
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "resource busy") ||
		strings.Contains(errStr, "LIBUSB_ERROR_BUSY")
}

// IsTimeout checks if an error indicates a deadline expired.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsDisconnected checks if an error indicates the device went away.
func IsDisconnected(err error) bool {
	if hasCode(err, ErrCodeDisconnected) {
		return true
	}
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "no such device") ||
		strings.Contains(errStr, "device disconnected") ||
		strings.Contains(errStr, "LIBUSB_ERROR_NO_DEVICE")
}

// GetErrorCode extracts the ErrorCode from an error if it is a transport
// Error. Returns 0 otherwise.
func GetErrorCode(err error) ErrorCode {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Code
	}
	return 0
}

func hasCode(err error, code ErrorCode) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Code == code
}
