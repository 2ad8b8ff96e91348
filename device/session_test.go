package device

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/keywarden/hww-agent/transport"
)

// sessionHarness runs a Session against a scripted mock device behind a real
// transport, so the full open/claim/frame path is exercised.
type sessionHarness struct {
	session *Session
	events  chan Event

	mu      sync.Mutex
	devices []*transport.MockDevice
}

func newSessionHarness(t *testing.T, cfg Config, script func(transport.Frame) []transport.Frame) *sessionHarness {
	t.Helper()
	cfg.fillDefaults()

	h := &sessionHarness{events: make(chan Event, 64)}

	bp := transport.NewMockBackplane(transport.BackplaneHID)
	bp.Devices = []transport.DeviceInfo{{
		Path:      "hid:mock",
		VendorID:  transport.VendorGen2,
		ProductID: transport.ProductGen2Firmware,
		Serial:    "HW123",
		Backplane: transport.BackplaneHID,
	}}
	bp.NewDevice = func(path string) io.ReadWriteCloser {
		dev := transport.NewMockDevice(transport.FramingHIDBare, script)
		h.mu.Lock()
		h.devices = append(h.devices, dev)
		h.mu.Unlock()
		return dev
	}

	tr := transport.New(bp)
	open := func() (*transport.Handle, error) {
		return tr.Open(transport.Query{
			CanonicalID: "HW123",
			Serial:      "HW123",
			VendorID:    transport.VendorGen2,
			ProductID:   transport.ProductGen2Firmware,
		})
	}

	h.session = newSession("HW123", cfg, open, func(e Event) {
		select {
		case h.events <- e:
		default:
		}
	})
	t.Cleanup(func() {
		h.session.Close(ErrCanceled)
		tr.Close()
	})
	return h
}

// device returns the n-th device opened by the session.
func (h *sessionHarness) device(n int) *transport.MockDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n >= len(h.devices) {
		return nil
	}
	return h.devices[n]
}

func waitResult(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operation result")
		return Result{}
	}
}

func waitEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return Event{}
		}
	}
}

func TestSessionFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var seen [][]byte
	h := newSessionHarness(t, DefaultConfig(), func(req transport.Frame) []transport.Frame {
		mu.Lock()
		seen = append(seen, req.Payload)
		mu.Unlock()
		return []transport.Frame{{Type: MsgSuccess, Payload: req.Payload}}
	})

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	var dones []<-chan Result
	for _, p := range payloads {
		_, done, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgPing, Payload: p}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		dones = append(dones, done)
	}

	for i, done := range dones {
		res := waitResult(t, done)
		if res.Err != nil {
			t.Fatalf("operation %d failed: %v", i, res.Err)
		}
		if string(res.Frame.Payload) != string(payloads[i]) {
			t.Errorf("operation %d payload = %q, want %q", i, res.Frame.Payload, payloads[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, p := range payloads {
		if string(seen[i]) != string(p) {
			t.Errorf("device saw %q at position %d, want %q", seen[i], i, p)
		}
	}
}

func TestSessionInteractiveResume(t *testing.T) {
	h := newSessionHarness(t, DefaultConfig(), func(req transport.Frame) []transport.Frame {
		switch req.Type {
		case MsgPing:
			return []transport.Frame{{Type: MsgButtonRequest}}
		case MsgButtonAck:
			return []transport.Frame{{Type: MsgSuccess, Payload: []byte("ok")}}
		default:
			return []transport.Frame{{Type: MsgFailure}}
		}
	})

	requestID, done, err := h.session.Submit(Operation{Kind: OpSigning, Request: transport.Frame{Type: MsgPing}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	e := waitEvent(t, h.events, EventAwaitingButton)
	if e.RequestID != requestID {
		t.Fatalf("awaiting event request id = %q, want %q", e.RequestID, requestID)
	}
	if got := h.session.State(); got != StateAwaitingButton {
		t.Errorf("state = %s, want awaiting-button", got)
	}

	if err := h.session.Resume(requestID, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res := waitResult(t, done)
	if res.Err != nil {
		t.Fatalf("operation failed: %v", res.Err)
	}
	if res.Frame.Type != MsgSuccess || string(res.Frame.Payload) != "ok" {
		t.Errorf("result frame = %+v, want Success/ok", res.Frame)
	}

	frames := h.device(0).SentFrames()
	if len(frames) != 2 || frames[0].Type != MsgPing || frames[1].Type != MsgButtonAck {
		t.Errorf("device saw %+v, want [Ping ButtonAck]", frames)
	}
}

func TestSessionSingleAcknowledgement(t *testing.T) {
	release := make(chan struct{})
	h := newSessionHarness(t, DefaultConfig(), func(req transport.Frame) []transport.Frame {
		switch req.Type {
		case MsgPing:
			return []transport.Frame{{Type: MsgButtonRequest}}
		case MsgButtonAck:
			<-release
			return []transport.Frame{{Type: MsgSuccess}}
		default:
			return nil
		}
	})

	requestID, done, err := h.session.Submit(Operation{Kind: OpSigning, Request: transport.Frame{Type: MsgPing}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitEvent(t, h.events, EventAwaitingButton)

	if err := h.session.Resume(requestID, nil); err != nil {
		t.Fatalf("first Resume: %v", err)
	}
	// The second acknowledgement must be rejected without touching the
	// device, even while the first is still being processed.
	if err := h.session.Resume(requestID, nil); err != ErrBadState {
		t.Fatalf("second Resume = %v, want ErrBadState", err)
	}
	close(release)

	if res := waitResult(t, done); res.Err != nil {
		t.Fatalf("operation failed: %v", res.Err)
	}
	if frames := h.device(0).SentFrames(); len(frames) != 2 {
		t.Errorf("device saw %d frames, want 2 (one ack only)", len(frames))
	}

	// And after resolution the request id is dead.
	if err := h.session.Resume(requestID, nil); err != ErrBadState {
		t.Errorf("post-resolution Resume = %v, want ErrBadState", err)
	}
}

func TestSessionResumeWrongRequestID(t *testing.T) {
	h := newSessionHarness(t, DefaultConfig(), func(req transport.Frame) []transport.Frame {
		if req.Type == MsgPing {
			return []transport.Frame{{Type: MsgPinMatrixRequest}}
		}
		return []transport.Frame{{Type: MsgSuccess}}
	})

	requestID, done, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgPing}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitEvent(t, h.events, EventAwaitingPin)

	if err := h.session.Resume("not-the-parked-one", []byte("1234")); err != ErrBadState {
		t.Fatalf("Resume with wrong id = %v, want ErrBadState", err)
	}
	if err := h.session.Resume(requestID, []byte("1234")); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res := waitResult(t, done); res.Err != nil {
		t.Fatalf("operation failed: %v", res.Err)
	}

	frames := h.device(0).SentFrames()
	if len(frames) != 2 || frames[1].Type != MsgPinMatrixAck || string(frames[1].Payload) != "1234" {
		t.Errorf("device saw %+v, want PinMatrixAck(1234) second", frames)
	}
}

func TestSessionInteractiveTimeout(t *testing.T) {
	clock := NewFakeClock(time.Now())
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.ButtonTimeout = 30 * time.Second

	h := newSessionHarness(t, cfg, func(req transport.Frame) []transport.Frame {
		if req.Type == MsgPing {
			return []transport.Frame{{Type: MsgButtonRequest}}
		}
		return []transport.Frame{{Type: MsgSuccess}}
	})

	_, done1, err := h.session.Submit(Operation{Kind: OpSigning, Request: transport.Frame{Type: MsgPing}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitEvent(t, h.events, EventAwaitingButton)

	// A queued operation must survive the interactive expiry.
	_, done2, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgInitialize}})
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	var res1 Result
	fired := false
	for i := 0; i < 100 && !fired; i++ {
		clock.Advance(cfg.ButtonTimeout)
		select {
		case res1 = <-done1:
			fired = true
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !fired {
		t.Fatal("interactive expiry never resolved the operation")
	}
	if !transport.IsTimeout(res1.Err) {
		t.Fatalf("result error = %v, want timeout", res1.Err)
	}

	// No Cancel, no Ack: the device saw only the original request.
	frames := h.device(0).SentFrames()
	if len(frames) != 1 || frames[0].Type != MsgPing {
		t.Errorf("device saw %+v, want [Ping] only", frames)
	}

	// The resolved request cannot be resumed anymore, and the queue moved on.
	if res2 := waitResult(t, done2); res2.Err != nil {
		t.Fatalf("queued operation failed after expiry: %v", res2.Err)
	}
}

func TestSessionCancelRacesDeadline(t *testing.T) {
	clock := NewFakeClock(time.Now())
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.ButtonTimeout = 30 * time.Second

	h := newSessionHarness(t, cfg, func(req transport.Frame) []transport.Frame {
		if req.Type == MsgPing {
			return []transport.Frame{{Type: MsgButtonRequest}}
		}
		return []transport.Frame{{Type: MsgSuccess}}
	})

	// Drive Cancel into the window where the deadline has already fired.
	// Whichever side wins, the operation must resolve and the session must
	// come back to idle; a hung runner shows up as a waitResult timeout.
	for i := 0; i < 25; i++ {
		_, done, err := h.session.Submit(Operation{Kind: OpSigning, Request: transport.Frame{Type: MsgPing}})
		if err != nil {
			t.Fatalf("iteration %d Submit: %v", i, err)
		}
		waitEvent(t, h.events, EventAwaitingButton)

		cancelDone := make(chan struct{})
		go func() {
			h.session.Cancel(nil)
			close(cancelDone)
		}()
		clock.Advance(cfg.ButtonTimeout)

		res := waitResult(t, done)
		if res.Err != ErrCanceled && !transport.IsTimeout(res.Err) {
			t.Fatalf("iteration %d result = %v, want canceled or timeout", i, res.Err)
		}
		<-cancelDone
		// Cancel may still be settling the park; wait for full idle before
		// the next round so each iteration starts from a clean state.
		deadline := time.After(2 * time.Second)
		for h.session.State() != StateIdle {
			select {
			case <-deadline:
				t.Fatalf("iteration %d: session never returned to idle", i)
			case <-time.After(time.Millisecond):
			}
		}
	}

	// The session stays usable after every race outcome.
	_, done, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgInitialize}})
	if err != nil {
		t.Fatalf("post-race Submit: %v", err)
	}
	if res := waitResult(t, done); res.Err != nil {
		t.Fatalf("post-race operation failed: %v", res.Err)
	}
}

func TestSessionDisconnectDrainsQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExchangeTimeout = 2 * time.Second

	var mu sync.Mutex
	var current *transport.MockDevice
	h := &sessionHarness{events: make(chan Event, 64)}
	cfg.fillDefaults()

	bp := transport.NewMockBackplane(transport.BackplaneHID)
	bp.Devices = []transport.DeviceInfo{{
		Path:      "hid:mock",
		VendorID:  transport.VendorGen2,
		ProductID: transport.ProductGen2Firmware,
		Serial:    "HW123",
		Backplane: transport.BackplaneHID,
	}}
	bp.NewDevice = func(path string) io.ReadWriteCloser {
		dev := transport.NewMockDevice(transport.FramingHIDBare, func(req transport.Frame) []transport.Frame {
			mu.Lock()
			d := current
			mu.Unlock()
			d.Close() // yank the cable mid-exchange
			return nil
		})
		mu.Lock()
		current = dev
		mu.Unlock()
		return dev
	}
	tr := transport.New(bp)
	h.session = newSession("HW123", cfg, func() (*transport.Handle, error) {
		return tr.Open(transport.Query{CanonicalID: "HW123", Serial: "HW123"})
	}, func(e Event) {})
	defer func() {
		h.session.Close(ErrCanceled)
		tr.Close()
	}()

	_, done1, err := h.session.Submit(Operation{Kind: OpSigning, Request: transport.Frame{Type: MsgPing}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, done2, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgInitialize}})
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	res1 := waitResult(t, done1)
	res2 := waitResult(t, done2)
	if !transport.IsDisconnected(res1.Err) {
		t.Errorf("first result = %v, want disconnected", res1.Err)
	}
	if res2.Err == nil {
		t.Error("queued operation resolved successfully across a disconnect")
	}
}

func TestSessionDeviceRejection(t *testing.T) {
	h := newSessionHarness(t, DefaultConfig(), func(req transport.Frame) []transport.Frame {
		return []transport.Frame{{Type: MsgFailure, Payload: []byte("\x01\x02Action cancelled by user")}}
	})

	_, done, err := h.session.Submit(Operation{Kind: OpSigning, Request: transport.Frame{Type: MsgPing}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitResult(t, done)
	if transport.GetErrorCode(res.Err) != transport.ErrCodeDeviceRejected {
		t.Fatalf("result error = %v, want device rejection", res.Err)
	}
}

func TestSessionQueueOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueLimit = 1
	h := newSessionHarness(t, cfg, func(req transport.Frame) []transport.Frame {
		if req.Type == MsgPing {
			return []transport.Frame{{Type: MsgButtonRequest}}
		}
		return []transport.Frame{{Type: MsgSuccess}}
	})

	// Park the runner so submissions stack up deterministically.
	requestID, done1, err := h.session.Submit(Operation{Kind: OpSigning, Request: transport.Frame{Type: MsgPing}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitEvent(t, h.events, EventAwaitingButton)

	_, done2, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgInitialize}})
	if err != nil {
		t.Fatalf("Submit within limit: %v", err)
	}
	if _, _, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgInitialize}}); err != ErrQueueOverflow {
		t.Fatalf("Submit over limit = %v, want ErrQueueOverflow", err)
	}

	if err := h.session.Resume(requestID, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res := waitResult(t, done1); res.Err != nil {
		t.Fatalf("parked operation failed: %v", res.Err)
	}
	if res := waitResult(t, done2); res.Err != nil {
		t.Fatalf("queued operation failed: %v", res.Err)
	}
}

func TestSessionCancelAbortsParked(t *testing.T) {
	h := newSessionHarness(t, DefaultConfig(), func(req transport.Frame) []transport.Frame {
		if req.Type == MsgPing {
			return []transport.Frame{{Type: MsgPassphraseRequest}}
		}
		return []transport.Frame{{Type: MsgSuccess}}
	})

	requestID, done1, err := h.session.Submit(Operation{Kind: OpKeyExport, Request: transport.Frame{Type: MsgPing}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitEvent(t, h.events, EventAwaitingPassphrase)
	_, done2, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgInitialize}})
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	h.session.Cancel(nil)

	if res := waitResult(t, done1); res.Err != ErrCanceled {
		t.Errorf("parked result = %v, want ErrCanceled", res.Err)
	}
	if res := waitResult(t, done2); res.Err != ErrCanceled {
		t.Errorf("queued result = %v, want ErrCanceled", res.Err)
	}
	if err := h.session.Resume(requestID, nil); err != ErrBadState {
		t.Errorf("Resume after cancel = %v, want ErrBadState", err)
	}

	// The session stays usable for fresh work.
	_, done3, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgInitialize}})
	if err != nil {
		t.Fatalf("Submit after cancel: %v", err)
	}
	if res := waitResult(t, done3); res.Err != nil {
		t.Errorf("post-cancel operation failed: %v", res.Err)
	}
}

func TestSessionClosedRejectsSubmit(t *testing.T) {
	h := newSessionHarness(t, DefaultConfig(), func(req transport.Frame) []transport.Frame {
		return []transport.Frame{{Type: MsgSuccess}}
	})
	h.session.Close(ErrCanceled)

	if _, _, err := h.session.Submit(Operation{Kind: OpSettings, Request: transport.Frame{Type: MsgPing}}); err != ErrBadState {
		t.Fatalf("Submit on closed session = %v, want ErrBadState", err)
	}
}
