package device

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/keywarden/hww-agent/transport"
)

// State is the protocol state of one session.
type State int

const (
	StateIdle State = iota
	StateDispatched
	StateAwaitingButton
	StateAwaitingPin
	StateAwaitingPassphrase
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateAwaitingButton:
		return "awaiting-button"
	case StateAwaitingPin:
		return "awaiting-pin"
	case StateAwaitingPassphrase:
		return "awaiting-passphrase"
	default:
		return "unknown"
	}
}

func stateFor(kind AwaitKind) State {
	switch kind {
	case AwaitButton:
		return StateAwaitingButton
	case AwaitPin:
		return StateAwaitingPin
	default:
		return StateAwaitingPassphrase
	}
}

// OpKind tags an operation for diagnostics and timeout policy selection.
// It never changes the wire exchange.
type OpKind int

const (
	OpSettings OpKind = iota
	OpSigning
	OpKeyExport
)

func (k OpKind) String() string {
	switch k {
	case OpSettings:
		return "settings"
	case OpSigning:
		return "signing"
	case OpKeyExport:
		return "key-export"
	default:
		return "unknown"
	}
}

// OpKindFromString parses an operation kind name.
func OpKindFromString(s string) (OpKind, error) {
	switch s {
	case "settings", "":
		return OpSettings, nil
	case "signing":
		return OpSigning, nil
	case "key-export":
		return OpKeyExport, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

// Operation is one unit of work against a device: an initial request frame
// plus the interactive plumbing the state machine performs on its behalf.
type Operation struct {
	Kind    OpKind
	Request transport.Frame
}

// Result is the terminal resolution of one operation.
type Result struct {
	RequestID string
	Frame     transport.Frame
	Err       error
}

// pendingOp correlates a queued operation with its caller's completion
// channel.
type pendingOp struct {
	requestID string
	op        Operation
	done      chan Result // buffered, size 1
}

// parkedRequest is the at-most-one interactive prompt a session is
// suspended on.
type parkedRequest struct {
	requestID string
	kind      AwaitKind
	resumed   bool            // set once a resume or cancel is accepted
	resume    chan []byte     // buffered, size 1
	abort     chan error      // buffered, size 1
}

// Session serializes all operations addressed to one canonical device id.
// One runner goroutine executes operations strictly in submission order;
// during an interactive suspension the runner waits on the parked request
// without holding the transport busy-looping or answering on the device's
// behalf.
type Session struct {
	canonicalID string
	cfg         Config
	open        func() (*transport.Handle, error)
	emit        func(Event)
	logger      *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*pendingOp
	state   State
	parked  *parkedRequest
	current *pendingOp
	closed  bool

	wg sync.WaitGroup
}

// newSession creates a session and starts its runner. open is called once
// per operation; the handle is released before the operation resolves.
func newSession(canonicalID string, cfg Config, open func() (*transport.Handle, error), emit func(Event)) *Session {
	s := &Session{
		canonicalID: canonicalID,
		cfg:         cfg,
		open:        open,
		emit:        emit,
		logger:      log.New(os.Stderr, "[session "+canonicalID+"] ", log.LstdFlags),
		state:       StateIdle,
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.runner()
	return s
}

// Submit queues an operation and returns its request id and completion
// channel. Operations run in FIFO order; a full queue fails fast with
// ErrQueueOverflow instead of blocking the caller.
func (s *Session) Submit(op Operation) (string, <-chan Result, error) {
	pend := &pendingOp{
		requestID: uuid.New().String(),
		op:        op,
		done:      make(chan Result, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", nil, ErrBadState
	}
	if len(s.queue) >= s.cfg.QueueLimit {
		s.mu.Unlock()
		return "", nil, ErrQueueOverflow
	}
	s.queue = append(s.queue, pend)
	s.cond.Signal()
	s.mu.Unlock()

	s.logger.Printf("queued %s operation %s", op.Kind, pend.requestID)
	return pend.requestID, pend.done, nil
}

// Resume delivers the supplementary input for the currently parked request.
// A request id that does not match the parked one, or that arrives after
// the request resolved, is rejected with ErrBadState and produces no
// message to the device.
func (s *Session) Resume(requestID string, payload []byte) error {
	s.mu.Lock()
	p := s.parked
	if p == nil || p.requestID != requestID || p.resumed {
		s.mu.Unlock()
		return ErrBadState
	}
	p.resumed = true
	s.mu.Unlock()

	p.resume <- payload
	return nil
}

// HasParked reports whether requestID is the currently parked request.
func (s *Session) HasParked(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parked != nil && s.parked.requestID == requestID && !s.parked.resumed
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel empties the queue and aborts any parked interactive state with the
// given reason (ErrCanceled when nil). The session stays usable for new
// operations once fully drained.
func (s *Session) Cancel(reason error) {
	if reason == nil {
		reason = ErrCanceled
	}

	s.mu.Lock()
	drained := s.queue
	s.queue = nil
	p := s.parked
	abortParked := p != nil && !p.resumed
	if abortParked {
		p.resumed = true
	}
	s.mu.Unlock()

	if abortParked {
		p.abort <- reason
	}
	for _, pend := range drained {
		s.finish(pend, Result{RequestID: pend.requestID, Err: reason})
	}
}

// Close cancels everything and stops the runner. Used on sustained
// disconnect; the session cannot be reused afterwards.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.Cancel(reason)
	s.wg.Wait()
}

func (s *Session) runner() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue = s.queue[1:]
		s.current = op
		s.state = StateDispatched
		s.mu.Unlock()

		s.execute(op)

		s.mu.Lock()
		s.current = nil
		s.parked = nil
		s.state = StateIdle
		s.mu.Unlock()
	}
}

// execute drives one operation through the state machine: send the request,
// then loop over replies, suspending on awaiting-input messages until a
// terminal message or error resolves it.
func (s *Session) execute(op *pendingOp) {
	handle, err := s.open()
	if err != nil {
		s.finish(op, Result{RequestID: op.requestID, Err: err})
		return
	}
	defer handle.Close()

	if err := handle.Send(op.op.Request); err != nil {
		s.failAndDrain(op, err)
		return
	}

	for {
		reply, err := handle.Receive(s.cfg.ExchangeTimeout)
		if err != nil {
			if transport.IsTimeout(err) || transport.IsDisconnected(err) {
				s.failAndDrain(op, err)
			} else {
				s.finish(op, Result{RequestID: op.requestID, Err: err})
			}
			return
		}

		kind, interactive := awaitKindFor(reply.Type)
		if !interactive {
			if reply.Type == MsgFailure {
				rejected := transport.NewDeviceRejectedError("Dispatch", s.canonicalID, rejectionReason(reply.Payload))
				s.finish(op, Result{RequestID: op.requestID, Err: rejected})
				return
			}
			s.finish(op, Result{RequestID: op.requestID, Frame: reply})
			return
		}

		payload, ok := s.await(op, kind)
		if !ok {
			return // await already resolved the operation
		}
		if err := handle.Send(ackFrame(kind, payload)); err != nil {
			s.failAndDrain(op, err)
			return
		}
		s.mu.Lock()
		s.state = StateDispatched
		s.mu.Unlock()
	}
}

// await parks the operation on an interactive prompt and suspends until a
// matching resume, the configured deadline, or a cancel. Exactly one
// acknowledgement is ever produced per prompt: the resume payload returned
// here is the only path to an Ack frame.
func (s *Session) await(op *pendingOp, kind AwaitKind) ([]byte, bool) {
	p := &parkedRequest{
		requestID: op.requestID,
		kind:      kind,
		resume:    make(chan []byte, 1),
		abort:     make(chan error, 1),
	}
	s.mu.Lock()
	s.parked = p
	s.state = stateFor(kind)
	s.mu.Unlock()

	s.logger.Printf("operation %s awaiting %s", op.requestID, kind)
	s.emit(Event{Type: eventFor(kind), DeviceID: s.canonicalID, RequestID: op.requestID})

	timer := s.cfg.Clock.NewTimer(s.cfg.awaitTimeout(kind))
	defer timer.Stop()

	select {
	case payload := <-p.resume:
		s.clearParked()
		return payload, true

	case reason := <-p.abort:
		s.clearParked()
		s.finish(op, Result{RequestID: op.requestID, Err: reason})
		return nil, false

	case <-timer.C():
		s.mu.Lock()
		if p.resumed {
			// A resume or cancel was accepted concurrently with the expiry;
			// it has been promised to the caller, so honor it. Either channel
			// may carry the settlement.
			s.parked = nil
			s.mu.Unlock()
			select {
			case payload := <-p.resume:
				return payload, true
			case reason := <-p.abort:
				s.finish(op, Result{RequestID: op.requestID, Err: reason})
				return nil, false
			}
		}
		s.parked = nil
		s.mu.Unlock()
		// The device itself is assumed to still be waiting internally; no
		// Cancel is sent and the next dispatch must not assume its state
		// was reset.
		s.finish(op, Result{RequestID: op.requestID, Err: transport.NewTimeoutError("AwaitInput", s.canonicalID)})
		return nil, false
	}
}

func (s *Session) clearParked() {
	s.mu.Lock()
	s.parked = nil
	s.mu.Unlock()
}

// finish resolves an operation exactly once and emits its result event.
func (s *Session) finish(pend *pendingOp, res Result) {
	if res.Err != nil {
		s.logger.Printf("operation %s failed: %v", pend.requestID, res.Err)
		pend.done <- res
		s.emit(Event{Type: EventResult, DeviceID: s.canonicalID, RequestID: pend.requestID, Err: res.Err})
		return
	}
	s.logger.Printf("operation %s resolved (msg type %d)", pend.requestID, res.Frame.Type)
	pend.done <- res
	s.emit(Event{
		Type:      EventResult,
		DeviceID:  s.canonicalID,
		RequestID: pend.requestID,
		MsgType:   res.Frame.Type,
		Payload:   res.Frame.Payload,
	})
}

// failAndDrain resolves the current operation with err and drains every
// queued (not yet started) operation with the same error. Retry is the
// caller's explicit responsibility, never this layer's.
func (s *Session) failAndDrain(op *pendingOp, err error) {
	s.finish(op, Result{RequestID: op.requestID, Err: err})

	s.mu.Lock()
	drained := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, pend := range drained {
		s.finish(pend, Result{RequestID: pend.requestID, Err: err})
	}
}
