package protocol

import (
	"errors"

	"github.com/keywarden/hww-agent/device"
	"github.com/keywarden/hww-agent/transport"
)

// FromIdentity converts a registry identity into its API representation.
func FromIdentity(id device.Identity) DeviceEntry {
	return DeviceEntry{
		ID:        id.CanonicalID,
		Serial:    id.Serial,
		VendorID:  id.VendorID,
		ProductID: id.ProductID,
		Backplane: id.Backplane.String(),
		Bus:       id.Bus,
		Address:   id.Address,
		LastSeen:  id.LastSeen,
		Transient: id.Synthesized,
	}
}

// FromEvent converts a hub event into its wire type and payload.
func FromEvent(e device.Event) (string, any) {
	switch e.Type {
	case device.EventDiscovered, device.EventDisconnected:
		return string(e.Type), PresenceEvent{DeviceID: e.DeviceID}
	case device.EventResult:
		payload := ResultEvent{
			DeviceID:  e.DeviceID,
			RequestID: e.RequestID,
		}
		if e.Err != nil {
			payload.Error = e.Err.Error()
			payload.ErrorCode = ErrorCodeFor(e.Err)
		} else {
			payload.MessageType = e.MsgType
			payload.Payload = EncodePayload(e.Payload)
		}
		return string(e.Type), payload
	default:
		return string(e.Type), AwaitingEvent{DeviceID: e.DeviceID, RequestID: e.RequestID}
	}
}

// ErrorCodeFor maps a device layer error to its API error code.
func ErrorCodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrUnknownDevice):
		return ErrCodeUnknownDevice
	case errors.Is(err, device.ErrQueueOverflow):
		return ErrCodeQueueOverflow
	case errors.Is(err, device.ErrCanceled):
		return ErrCodeCanceled
	case device.IsBadState(err):
		return ErrCodeBadState
	case transport.IsBusy(err):
		return ErrCodeDeviceBusy
	case transport.IsTimeout(err):
		return ErrCodeTimeout
	case transport.IsDisconnected(err):
		return ErrCodeDisconnected
	case transport.IsAccessDenied(err):
		return ErrCodeAccessDenied
	case transport.GetErrorCode(err) == transport.ErrCodeDeviceRejected:
		return ErrCodeDeviceRejected
	case transport.IsNotFound(err):
		return ErrCodeUnknownDevice
	default:
		return ErrCodeInternalError
	}
}
