package device

// EventType identifies one outward event on the hub's event stream.
type EventType string

const (
	EventDiscovered         EventType = "device:discovered"
	EventDisconnected       EventType = "device:disconnected"
	EventAwaitingButton     EventType = "device:awaiting-button"
	EventAwaitingPin        EventType = "device:awaiting-pin"
	EventAwaitingPassphrase EventType = "device:awaiting-passphrase"
	EventResult             EventType = "device:result"
)

// Event is one outward notification. Exactly one awaiting event is emitted
// per interactive prompt; result events carry either the terminal frame or
// the terminal error, never both.
type Event struct {
	Type      EventType
	DeviceID  string
	RequestID string

	// MsgType and Payload carry the terminal frame for result events.
	MsgType uint16
	Payload []byte

	// Err is the terminal error, nil on success. The full error value is
	// carried so consumers can classify it, not just display it.
	Err error
}

// eventFor maps an awaiting kind to its event type.
func eventFor(kind AwaitKind) EventType {
	switch kind {
	case AwaitButton:
		return EventAwaitingButton
	case AwaitPin:
		return EventAwaitingPin
	default:
		return EventAwaitingPassphrase
	}
}
