package transport

import (
	"fmt"
	"io"
	"sync"
)

// MockDevice is a scripted report-level device for tests. It decodes frames
// from written reports, hands them to Script, and queues the reply frames
// for Read. It speaks the same chunked report layout as real hardware, so
// the full framing path is exercised.
//
// Example:
//
//	dev := NewMockDevice(FramingHIDBare, func(req Frame) []Frame {
//	    return []Frame{{Type: 2}} // Success
//	})
type MockDevice struct {
	// Script produces the reply frames for each decoded request frame.
	// A nil Script swallows requests.
	Script func(req Frame) []Frame

	// WriteLog records every frame the device received, in order.
	WriteLog []Frame

	framing Framing
	reports chan []byte
	closed  chan struct{}

	mu          sync.Mutex
	buf         []byte
	want        int
	pendingType uint16
	closeOnce   sync.Once
}

// NewMockDevice creates a scripted device speaking the given framing
// variant.
func NewMockDevice(framing Framing, script func(req Frame) []Frame) *MockDevice {
	return &MockDevice{
		Script:  script,
		framing: framing,
		reports: make(chan []byte, 256),
		closed:  make(chan struct{}),
		want:    -1,
	}
}

// QueueFrame pushes a frame to be read without a preceding request, for
// simulating unsolicited device messages.
func (d *MockDevice) QueueFrame(f Frame) {
	for _, report := range chunkReports(d.framing, encodeFrame(f)) {
		select {
		case d.reports <- report:
		case <-d.closed:
			return
		}
	}
}

// SentFrames returns a copy of the frames written to the device so far.
func (d *MockDevice) SentFrames() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Frame, len(d.WriteLog))
	copy(out, d.WriteLog)
	return out
}

func (d *MockDevice) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	d.mu.Lock()
	chunk := stripReport(d.framing, p)
	if d.want < 0 {
		msgType, length, err := decodeFrameHeader(chunk)
		if err != nil {
			d.mu.Unlock()
			return 0, err
		}
		d.pendingType = msgType
		d.want = int(length)
		d.buf = appendBounded(nil, chunk[frameHeaderSize:], d.want)
	} else {
		d.buf = appendBounded(d.buf, chunk, d.want)
	}
	if len(d.buf) < d.want {
		d.mu.Unlock()
		return len(p), nil
	}

	frame := Frame{Type: d.pendingType, Payload: d.buf}
	d.buf = nil
	d.want = -1
	d.WriteLog = append(d.WriteLog, frame)
	script := d.Script
	d.mu.Unlock()

	if script != nil {
		for _, reply := range script(frame) {
			for _, report := range chunkReports(d.framing, encodeFrame(reply)) {
				select {
				case d.reports <- report:
				case <-d.closed:
					return len(p), nil
				}
			}
		}
	}
	return len(p), nil
}

func (d *MockDevice) Read(p []byte) (int, error) {
	select {
	case report, ok := <-d.reports:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, report), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *MockDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

// MockBackplane is a test implementation of Backplane with configurable
// devices and injectable errors, in the style of the hardware backplanes.
//
// Example:
//
//	bp := NewMockBackplane(BackplaneUSB)
//	bp.Devices = []DeviceInfo{{Path: "mock:1", VendorID: VendorGen2}}
//	bp.OpenError = NewAccessDeniedError("Open", "mock:1", nil)
type MockBackplane struct {
	// KindValue is the backplane kind reported by Kind().
	KindValue BackplaneKind

	// Devices is the enumeration result.
	Devices []DeviceInfo

	// EnumerateError, if set, is returned by Enumerate().
	EnumerateError error

	// OpenError, if set, is returned by Open().
	OpenError error

	// NewDevice, if set, produces the device returned by Open(). When nil
	// a fresh MockDevice with no script is returned.
	NewDevice func(path string) io.ReadWriteCloser

	// CallLog tracks method calls for verification in tests.
	CallLog []string

	mu sync.Mutex
}

// NewMockBackplane creates a MockBackplane reporting the given kind.
func NewMockBackplane(kind BackplaneKind) *MockBackplane {
	return &MockBackplane{KindValue: kind}
}

func (m *MockBackplane) Kind() BackplaneKind {
	return m.KindValue
}

func (m *MockBackplane) Enumerate() ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Enumerate")
	if m.EnumerateError != nil {
		return nil, m.EnumerateError
	}
	out := make([]DeviceInfo, len(m.Devices))
	copy(out, m.Devices)
	return out, nil
}

func (m *MockBackplane) Open(path string) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("Open(%s)", path))
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	if m.NewDevice != nil {
		return m.NewDevice(path), nil
	}
	return NewMockDevice(FramingFor(m.KindValue, 0), nil), nil
}

func (m *MockBackplane) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Close")
}

// Calls returns a copy of the call log.
func (m *MockBackplane) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CallLog))
	copy(out, m.CallLog)
	return out
}
