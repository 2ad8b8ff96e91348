package transport

import (
	"log"
	"os"
	"sync"
)

// Query identifies the physical device an Open targets. CanonicalID keys
// the exclusive claim; the remaining fields locate the unit on a backplane,
// in decreasing order of reliability (serial, then bus address, then
// vendor/product family).
type Query struct {
	CanonicalID string
	Serial      string
	VendorID    uint16
	ProductID   uint16
	Bus         int
	Address     int
}

// Transport turns device identities into exclusive framed channels. It owns
// the backplane ordering: the first backplane is primary, and an Open that
// fails there is retried exactly once on the secondary before the error is
// surfaced verbatim.
type Transport struct {
	backplanes []Backplane
	logger     *log.Logger

	mu      sync.Mutex
	claimed map[string]struct{} // canonical ids with a live handle
}

// New creates a Transport over the given backplanes in priority order.
func New(backplanes ...Backplane) *Transport {
	return &Transport{
		backplanes: backplanes,
		logger:     log.New(os.Stderr, "[transport] ", log.LstdFlags),
		claimed:    make(map[string]struct{}),
	}
}

// NewDefault creates a Transport with the standard backplane pair: raw USB
// primary, HID secondary.
func NewDefault() *Transport {
	return New(NewUSBBackplane(), NewHIDBackplane())
}

// Discover enumerates every backplane without claiming anything. It is safe
// to call concurrently and while operations are in flight. A backplane that
// fails to enumerate is logged and skipped as long as another one succeeds.
func (t *Transport) Discover() ([]DeviceInfo, error) {
	var infos []DeviceInfo
	var lastErr error
	failed := 0
	for _, bp := range t.backplanes {
		found, err := bp.Enumerate()
		if err != nil {
			t.logger.Printf("enumerate on %s failed: %v", bp.Kind(), err)
			lastErr = err
			failed++
			continue
		}
		infos = append(infos, found...)
	}
	if failed == len(t.backplanes) && lastErr != nil {
		return nil, lastErr
	}
	return infos, nil
}

// Open claims exclusive access to the device identified by q. The primary
// backplane is tried first; on any failure there the secondary is tried
// once. The fallback is transparent: callers cannot tell which backplane
// served the handle except through Handle.Framing.
func (t *Transport) Open(q Query) (*Handle, error) {
	t.mu.Lock()
	if _, ok := t.claimed[q.CanonicalID]; ok {
		t.mu.Unlock()
		return nil, NewBusyError("Open", q.CanonicalID)
	}
	// Reserve before touching hardware so concurrent opens against the
	// same canonical id observe Busy instead of racing the backplane.
	t.claimed[q.CanonicalID] = struct{}{}
	t.mu.Unlock()

	handle, err := t.openAny(q)
	if err != nil {
		t.releaseClaim(q.CanonicalID)
		return nil, err
	}
	return handle, nil
}

func (t *Transport) openAny(q Query) (*Handle, error) {
	var lastErr error
	seen := false
	for _, bp := range t.backplanes {
		infos, err := bp.Enumerate()
		if err != nil {
			lastErr = err
			continue
		}
		info, ok := matchQuery(q, infos)
		if !ok {
			continue
		}
		seen = true
		dev, err := bp.Open(info.Path)
		if err != nil {
			t.logger.Printf("open %s on %s failed: %v", q.CanonicalID, bp.Kind(), err)
			lastErr = err
			continue
		}
		framing := FramingFor(bp.Kind(), info.ProductID)
		release := func() { t.releaseClaim(q.CanonicalID) }
		t.logger.Printf("opened %s on %s (framing %s)", q.CanonicalID, bp.Kind(), framing)
		return newHandle(info, framing, dev, release), nil
	}
	if !seen && lastErr == nil {
		return nil, NewNotFoundError("Open", q.CanonicalID)
	}
	if lastErr == nil {
		lastErr = NewNotFoundError("Open", q.CanonicalID)
	}
	return nil, lastErr
}

func (t *Transport) releaseClaim(canonicalID string) {
	t.mu.Lock()
	delete(t.claimed, canonicalID)
	t.mu.Unlock()
}

// Close shuts down every backplane. Open handles must be closed first.
func (t *Transport) Close() {
	for _, bp := range t.backplanes {
		bp.Close()
	}
}

// matchQuery picks the enumeration entry for q, preferring serial equality,
// then bus address, then a lone vendor/product family match.
func matchQuery(q Query, infos []DeviceInfo) (DeviceInfo, bool) {
	if q.Serial != "" {
		for _, info := range infos {
			if info.Serial == q.Serial {
				return info, true
			}
		}
	}
	for _, info := range infos {
		if info.VendorID == q.VendorID && info.ProductID == q.ProductID &&
			info.Bus == q.Bus && info.Address == q.Address && (q.Bus != 0 || q.Address != 0) {
			return info, true
		}
	}
	var family []DeviceInfo
	for _, info := range infos {
		if info.VendorID == q.VendorID && info.ProductID == q.ProductID {
			family = append(family, info)
		}
	}
	// An ambiguous family match could claim the wrong unit when two
	// identical wallets are plugged in, so it only applies when unique.
	if len(family) == 1 {
		return family[0], true
	}
	return DeviceInfo{}, false
}
