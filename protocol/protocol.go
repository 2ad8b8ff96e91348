// Package protocol defines the JSON message types spoken over the agent's
// WebSocket and HTTP APIs. It is designed to be importable by external tools
// without pulling in server dependencies.
package protocol

import (
	"encoding/hex"
	"time"
)

// WebSocket command types (client to agent).
const (
	CmdHandshake = "handshake"
	CmdDiscover  = "discover"
	CmdDispatch  = "dispatch"
	CmdResume    = "resume"
	CmdCancel    = "cancel"
)

// WebSocket event types (agent to client). Awaiting events always precede
// the result event of the same request id.
const (
	EventDeviceDiscovered   = "device:discovered"
	EventDeviceDisconnected = "device:disconnected"
	EventAwaitingButton     = "device:awaiting-button"
	EventAwaitingPin        = "device:awaiting-pin"
	EventAwaitingPassphrase = "device:awaiting-passphrase"
	EventResult             = "device:result"
)

// DeviceEntry describes one connected device. ID is the stable identifier to
// use for dispatch and cancel; it never changes while the device stays
// plugged in, even if the OS reshuffles bus addresses.
type DeviceEntry struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial,omitempty"`
	VendorID  uint16    `json:"vendorId"`
	ProductID uint16    `json:"productId"`
	Backplane string    `json:"backplane"`
	Bus       int       `json:"bus,omitempty"`
	Address   int       `json:"address,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`

	// Transient is true when the id was derived from the bus position
	// because the device withheld its serial number. Transient ids may be
	// silently replaced by serial ids; clients should re-discover after a
	// reconnect.
	Transient bool `json:"transient,omitempty"`
}

// HandshakeRequest claims the single client session.
type HandshakeRequest struct {
	Secret string `json:"secret,omitempty"`
}

// HandshakeResponse carries the session token to present on later commands.
type HandshakeResponse struct {
	Token string `json:"token"`
}

// DispatchRequest submits one operation to a device. Payload is the
// hex-encoded request body; its schema belongs to the device firmware and is
// never interpreted by the agent.
type DispatchRequest struct {
	DeviceID    string `json:"deviceId"`
	Kind        string `json:"kind,omitempty"` // settings, signing or key-export
	MessageType uint16 `json:"messageType"`
	Payload     string `json:"payload,omitempty"`
}

// DispatchResponse acknowledges a queued operation. The terminal outcome
// arrives later as a device:result event carrying the same request id.
type DispatchResponse struct {
	RequestID string `json:"requestId"`
}

// ResumeRequest supplies the input a device prompted for. Payload is
// hex-encoded and ignored for button confirmations.
type ResumeRequest struct {
	RequestID string `json:"requestId"`
	Payload   string `json:"payload,omitempty"`
}

// CancelRequest empties a device's operation queue and aborts any pending
// prompt.
type CancelRequest struct {
	DeviceID string `json:"deviceId"`
}

// AwaitingEvent is the payload of the device:awaiting-* events.
type AwaitingEvent struct {
	DeviceID  string `json:"deviceId"`
	RequestID string `json:"requestId"`
}

// ResultEvent is the payload of device:result. Exactly one of
// MessageType/Payload or Error is populated.
type ResultEvent struct {
	DeviceID    string `json:"deviceId"`
	RequestID   string `json:"requestId"`
	MessageType uint16 `json:"messageType,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

// PresenceEvent is the payload of device:discovered and device:disconnected.
type PresenceEvent struct {
	DeviceID string       `json:"deviceId"`
	Device   *DeviceEntry `json:"device,omitempty"`
}

// Error codes carried in error responses and result events.
const (
	ErrCodeUnknownDevice  = "UNKNOWN_DEVICE"
	ErrCodeDeviceBusy     = "DEVICE_BUSY"
	ErrCodeBadState       = "BAD_STATE"
	ErrCodeQueueOverflow  = "QUEUE_OVERFLOW"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeDisconnected   = "DISCONNECTED"
	ErrCodeDeviceRejected = "DEVICE_REJECTED"
	ErrCodeAccessDenied   = "ACCESS_DENIED"
	ErrCodeCanceled       = "CANCELED"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeParseError     = "PARSE_ERROR"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// EncodePayload hex-encodes a binary payload for transport in JSON.
func EncodePayload(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodePayload decodes a hex payload. An empty string is a valid empty
// payload.
func DecodePayload(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
