package device

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/keywarden/hww-agent/transport"
)

// Hub ties the transport, the identity registry and the per-device sessions
// together. It owns the enumeration poll worker and the outward event
// stream; callers address devices exclusively by canonical id.
type Hub struct {
	transport *transport.Transport
	registry  *Registry
	cfg       Config
	logger    *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	started  bool

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a hub over the given transport.
func NewHub(tr *transport.Transport, cfg Config) *Hub {
	cfg.fillDefaults()
	return &Hub{
		transport: tr,
		registry:  NewRegistry(cfg.AbsenceGrace, cfg.AliasTTL, cfg.MergeWindow),
		cfg:       cfg,
		logger:    log.New(os.Stderr, "[hub] ", log.LstdFlags),
		sessions:  make(map[string]*Session),
		events:    make(chan Event, cfg.EventBuffer),
		stop:      make(chan struct{}),
	}
}

// Events returns the outward event stream. Delivery is immediate and never
// deferred; a consumer that falls behind loses events (and is logged), it
// does not stall the core.
func (h *Hub) Events() <-chan Event {
	return h.events
}

// Start launches the enumeration poll worker.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.pollWorker()
}

// Stop shuts the hub down: the poll worker exits and every session is
// closed with ErrCanceled.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
		return
	default:
		close(h.stop)
	}
	h.wg.Wait()

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(ErrCanceled)
	}
}

// pollWorker enumerates on a fixed cadence and reconciles the registry.
// Enumeration failures back off exponentially instead of hammering a
// misbehaving USB stack; a success resets the backoff.
func (h *Hub) pollWorker() {
	defer h.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = h.cfg.PollInterval
	retry.MaxInterval = 10 * h.cfg.PollInterval
	retry.MaxElapsedTime = 0 // never give up
	retry.Reset()

	wait := h.cfg.PollInterval
	for {
		select {
		case <-h.stop:
			return
		case <-h.cfg.Clock.After(wait):
		}

		infos, err := h.transport.Discover()
		if err != nil {
			wait = retry.NextBackOff()
			h.logger.Printf("enumeration failed (next poll in %v): %v", wait, err)
			continue
		}
		retry.Reset()
		wait = h.cfg.PollInterval

		h.reconcile(infos)
	}
}

func (h *Hub) reconcile(infos []transport.DeviceInfo) {
	added, removed, merged := h.registry.Reconcile(infos, h.cfg.Clock.Now())

	for _, identity := range added {
		h.emit(Event{Type: EventDiscovered, DeviceID: identity.CanonicalID})
	}
	for _, identity := range removed {
		h.dropSession(identity.CanonicalID)
		h.emit(Event{Type: EventDisconnected, DeviceID: identity.CanonicalID})
	}
	// Sessions keyed by a merged-away id would otherwise linger until
	// shutdown. New dispatches resolve through the alias to a fresh session
	// under the canonical id, so retiring these is invisible to callers.
	for _, oldID := range merged {
		h.retireSession(oldID)
	}
}

// Discover triggers a synchronous enumeration pass and returns the current
// identity snapshot. It never claims a device and is safe while operations
// are in flight.
func (h *Hub) Discover() ([]Identity, error) {
	infos, err := h.transport.Discover()
	if err != nil {
		return nil, err
	}
	h.reconcile(infos)
	return h.registry.Snapshot(), nil
}

// Dispatch submits an operation against a device. The id may be a canonical
// id or a still-live alias. The returned channel receives exactly one
// Result.
func (h *Hub) Dispatch(deviceID string, op Operation) (string, <-chan Result, error) {
	canonical := h.registry.Resolve(deviceID)
	identity, ok := h.registry.Lookup(canonical)
	if !ok {
		return "", nil, ErrUnknownDevice
	}

	session := h.sessionFor(identity)
	return session.Submit(op)
}

// Resume delivers supplementary input for a parked interactive request.
func (h *Hub) Resume(requestID string, payload []byte) error {
	h.mu.Lock()
	var target *Session
	for _, s := range h.sessions {
		if s.HasParked(requestID) {
			target = s
			break
		}
	}
	h.mu.Unlock()

	if target == nil {
		return ErrBadState
	}
	return target.Resume(requestID, payload)
}

// Cancel empties the queue and aborts any parked state for a device. The
// session remains usable.
func (h *Hub) Cancel(deviceID string) error {
	canonical := h.registry.Resolve(deviceID)
	h.mu.Lock()
	session, ok := h.sessions[canonical]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}
	session.Cancel(nil)
	return nil
}

// Snapshot returns the currently known devices.
func (h *Hub) Snapshot() []Identity {
	return h.registry.Snapshot()
}

// SessionState returns the protocol state for a device, StateIdle when no
// session exists.
func (h *Hub) SessionState(deviceID string) State {
	canonical := h.registry.Resolve(deviceID)
	h.mu.Lock()
	session, ok := h.sessions[canonical]
	h.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return session.State()
}

// sessionFor returns the session for an identity, creating it lazily on
// first dispatch.
func (h *Hub) sessionFor(identity Identity) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session, ok := h.sessions[identity.CanonicalID]; ok {
		return session
	}
	canonical := identity.CanonicalID
	open := func() (*transport.Handle, error) {
		// Re-read the identity each open: the bus address may have
		// changed since the session was created.
		current, ok := h.registry.Lookup(canonical)
		if !ok {
			return nil, transport.NewNotFoundError("Open", canonical)
		}
		return h.transport.Open(current.query())
	}
	session := newSession(canonical, h.cfg, open, h.emit)
	h.sessions[canonical] = session
	h.logger.Printf("session created for %s", canonical)
	return session
}

// dropSession closes and forgets the session for a disconnected device.
func (h *Hub) dropSession(canonicalID string) {
	h.mu.Lock()
	session, ok := h.sessions[canonicalID]
	delete(h.sessions, canonicalID)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Printf("session destroyed for %s (disconnected)", canonicalID)
	session.Close(transport.NewDisconnectedError("Session", canonicalID, nil))
}

// retireSession closes the session keyed by an id the registry redirected
// during a merge. The device itself is still present, so no presence event
// is emitted.
func (h *Hub) retireSession(oldID string) {
	h.mu.Lock()
	session, ok := h.sessions[oldID]
	delete(h.sessions, oldID)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Printf("session retired for %s (identity merged)", oldID)
	session.Close(transport.NewDisconnectedError("Session", oldID, nil))
}

func (h *Hub) emit(event Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Printf("event buffer full, dropping %s for %s", event.Type, event.DeviceID)
	}
}

// WaitIdle blocks until the device's session reports StateIdle or the
// timeout expires. Intended for tests and orderly shutdown, not control
// flow.
func (h *Hub) WaitIdle(deviceID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.SessionState(deviceID) == StateIdle {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
