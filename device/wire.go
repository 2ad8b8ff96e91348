package device

import (
	"strings"

	"github.com/keywarden/hww-agent/transport"
)

// Wire message types for the interactive subset of the device protocol.
// Payload schemas belong to the firmware and are treated as opaque bytes;
// only the types that drive the state machine are interpreted here.
const (
	MsgInitialize        uint16 = 0
	MsgPing              uint16 = 1
	MsgSuccess           uint16 = 2
	MsgFailure           uint16 = 3
	MsgFeatures          uint16 = 17
	MsgPinMatrixRequest  uint16 = 18
	MsgPinMatrixAck      uint16 = 19
	MsgCancel            uint16 = 20
	MsgButtonRequest     uint16 = 26
	MsgButtonAck         uint16 = 27
	MsgPassphraseRequest uint16 = 41
	MsgPassphraseAck     uint16 = 42
)

// AwaitKind identifies which supplementary input the device asked for.
type AwaitKind int

const (
	AwaitButton AwaitKind = iota
	AwaitPin
	AwaitPassphrase
)

func (k AwaitKind) String() string {
	switch k {
	case AwaitButton:
		return "button"
	case AwaitPin:
		return "pin"
	case AwaitPassphrase:
		return "passphrase"
	default:
		return "unknown"
	}
}

// awaitKindFor maps an awaiting-input message type to its kind. The second
// return is false for non-interactive types.
func awaitKindFor(msgType uint16) (AwaitKind, bool) {
	switch msgType {
	case MsgButtonRequest:
		return AwaitButton, true
	case MsgPinMatrixRequest:
		return AwaitPin, true
	case MsgPassphraseRequest:
		return AwaitPassphrase, true
	default:
		return 0, false
	}
}

// ackFrame builds the single acknowledgement frame for a parked prompt.
// This is the only place an Ack is ever constructed: the transport layer
// has no default reply path at all.
func ackFrame(kind AwaitKind, payload []byte) transport.Frame {
	switch kind {
	case AwaitButton:
		// Button confirmation carries no secret; the payload is ignored.
		return transport.Frame{Type: MsgButtonAck}
	case AwaitPin:
		return transport.Frame{Type: MsgPinMatrixAck, Payload: payload}
	default:
		return transport.Frame{Type: MsgPassphraseAck, Payload: payload}
	}
}

// rejectionReason extracts a best-effort human-readable reason from a
// Failure payload without interpreting the firmware schema: printable ASCII
// runs are kept, everything else is dropped.
func rejectionReason(payload []byte) string {
	var sb strings.Builder
	for _, b := range payload {
		if b >= 0x20 && b < 0x7f {
			sb.WriteByte(b)
		}
	}
	return strings.TrimSpace(sb.String())
}
