package transport

import (
	"io"
	"sync"
	"time"
)

// Handle is an open, exclusively claimed channel to one device. It owns a
// background report pump so that Receive can honor deadlines even though the
// underlying backplane read blocks.
//
// A Handle never answers the device on its own: every frame it returns is
// surfaced to the caller untouched, including interactive prompts it does
// not understand.
type Handle struct {
	info    DeviceInfo
	framing Framing
	device  io.ReadWriteCloser

	reports chan []byte   // filled by the pump goroutine
	done    chan struct{} // closed on Close
	pumpWg  sync.WaitGroup

	readMu  sync.Mutex // serializes Receive
	writeMu sync.Mutex // serializes Send

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	release   func() // removes the claim from the Transport
}

func newHandle(info DeviceInfo, framing Framing, device io.ReadWriteCloser, release func()) *Handle {
	h := &Handle{
		info:    info,
		framing: framing,
		device:  device,
		reports: make(chan []byte, 16),
		done:    make(chan struct{}),
		release: release,
	}
	h.pumpWg.Add(1)
	go h.pump()
	return h
}

// Info returns the enumeration record this handle was opened from.
func (h *Handle) Info() DeviceInfo {
	return h.info
}

// Framing returns the report layout fixed at open time.
func (h *Handle) Framing() Framing {
	return h.framing
}

// pump reads raw reports from the device and forwards them until the device
// fails or the handle is closed.
func (h *Handle) pump() {
	defer h.pumpWg.Done()
	defer close(h.reports)

	size := reportSize
	if h.framing == FramingHIDReportID {
		size = reportSize + 1
	}
	for {
		buf := make([]byte, size)
		n, err := h.device.Read(buf)
		if err != nil {
			h.setReadErr(err)
			return
		}
		select {
		case h.reports <- buf[:n]:
		case <-h.done:
			return
		}
	}
}

func (h *Handle) setReadErr(err error) {
	h.errMu.Lock()
	if h.readErr == nil {
		h.readErr = err
	}
	h.errMu.Unlock()
}

func (h *Handle) getReadErr() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.readErr
}

// Send writes one logical frame, chunked into reports per the handle's
// framing variant.
func (h *Handle) Send(f Frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	select {
	case <-h.done:
		return NewDisconnectedError("Send", h.info.Path, nil)
	default:
	}

	raw := encodeFrame(f)
	for _, report := range chunkReports(h.framing, raw) {
		if _, err := h.device.Write(report); err != nil {
			return NewDisconnectedError("Send", h.info.Path, err)
		}
	}
	return nil
}

// Receive assembles the next logical frame from incoming reports. The
// timeout bounds the whole frame, not individual reports. A nil or negative
// timeout waits forever.
func (h *Handle) Receive(timeout time.Duration) (Frame, error) {
	h.readMu.Lock()
	defer h.readMu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	// First report carries the frame header.
	report, err := h.nextReport(deadline)
	if err != nil {
		return Frame{}, err
	}
	chunk := stripReport(h.framing, report)
	msgType, length, err := decodeFrameHeader(chunk)
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, 0, length)
	payload = appendBounded(payload, chunk[frameHeaderSize:], int(length))
	for len(payload) < int(length) {
		report, err := h.nextReport(deadline)
		if err != nil {
			return Frame{}, err
		}
		payload = appendBounded(payload, stripReport(h.framing, report), int(length))
	}
	return Frame{Type: msgType, Payload: payload}, nil
}

func (h *Handle) nextReport(deadline <-chan time.Time) ([]byte, error) {
	select {
	case report, ok := <-h.reports:
		if !ok {
			return nil, NewDisconnectedError("Receive", h.info.Path, h.getReadErr())
		}
		return report, nil
	case <-deadline:
		return nil, NewTimeoutError("Receive", h.info.Path)
	case <-h.done:
		return nil, NewDisconnectedError("Receive", h.info.Path, nil)
	}
}

// appendBounded appends at most want-len(dst) bytes of src, discarding the
// zero padding at the end of the final report.
func appendBounded(dst, src []byte, want int) []byte {
	remaining := want - len(dst)
	if remaining <= 0 {
		return dst
	}
	if len(src) > remaining {
		src = src[:remaining]
	}
	return append(dst, src...)
}

// Close releases the device and the exclusive claim. Safe to call multiple
// times and on every exit path.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.device.Close()
		h.pumpWg.Wait()
		if h.release != nil {
			h.release()
		}
	})
	return err
}
