package device

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/keywarden/hww-agent/transport"
)

// aliasEntry maps an alternate identity to a canonical id for a bounded
// time. Entries start out self-referential when a device without a serial
// is first seen, and are redirected on merge.
type aliasEntry struct {
	canonicalID string
	vendorID    uint16
	productID   uint16
	lastSeen    time.Time
	expires     time.Time
}

// deviceRecord tracks one known physical unit between polls.
type deviceRecord struct {
	identity Identity

	// missedSince is the time of the first poll that did not see the
	// device; zero while the device is present. The record is only
	// dropped once the absence outlasts the grace period, so a single
	// flaky enumeration never produces a disconnect.
	missedSince time.Time
}

// Registry derives one stable canonical id per physical unit despite bus
// address churn, withheld serials and firmware-generation flips. It is
// purely in-memory: bus addressing is re-derived fresh on every process
// start, so persisting aliases would only pin stale data.
type Registry struct {
	grace       time.Duration
	aliasTTL    time.Duration
	mergeWindow time.Duration
	logger      *log.Logger

	mu      sync.Mutex
	devices map[string]*deviceRecord
	aliases map[string]aliasEntry
}

// NewRegistry creates a Registry with the given aging windows.
func NewRegistry(grace, aliasTTL, mergeWindow time.Duration) *Registry {
	return &Registry{
		grace:       grace,
		aliasTTL:    aliasTTL,
		mergeWindow: mergeWindow,
		logger:      log.New(os.Stderr, "[registry] ", log.LstdFlags),
		devices:     make(map[string]*deviceRecord),
		aliases:     make(map[string]aliasEntry),
	}
}

// Reconcile folds one enumeration snapshot into the registry and returns
// the identities that became visible and the ones confirmed gone. A device
// that changes its reported identity mid-session (serial appearing after a
// synthesized id) is merged silently: it shows up in neither slice, only in
// merged, which lists the old ids the merge redirected.
func (r *Registry) Reconcile(infos []transport.DeviceInfo, now time.Time) (added, removed []Identity, merged []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A unit visible on both backplanes enumerates twice under the same
	// canonical id; the first entry wins (Discover lists the primary
	// backplane first).
	present := make(map[string]transport.DeviceInfo)
	order := make([]string, 0, len(infos))
	for _, info := range infos {
		id, _ := canonicalFor(info)
		if _, ok := present[id]; !ok {
			present[id] = info
			order = append(order, id)
		}
	}

	for _, id := range order {
		info := present[id]
		canonical, synthesized := canonicalFor(info)

		if rec, ok := r.devices[canonical]; ok {
			r.refresh(rec, info, now)
			continue
		}

		if !synthesized {
			if old := r.mergeCandidate(info, present, now); old != "" {
				r.merge(old, canonical, info, now)
				merged = append(merged, old)
				continue
			}
		}

		identity := Identity{
			CanonicalID: canonical,
			Serial:      info.Serial,
			VendorID:    info.VendorID,
			ProductID:   info.ProductID,
			Bus:         info.Bus,
			Address:     info.Address,
			Backplane:   info.Backplane,
			LastSeen:    now,
			Synthesized: synthesized,
		}
		r.devices[canonical] = &deviceRecord{identity: identity}
		if synthesized {
			r.aliases[canonical] = aliasEntry{
				canonicalID: canonical,
				vendorID:    info.VendorID,
				productID:   info.ProductID,
				lastSeen:    now,
				expires:     now.Add(r.aliasTTL),
			}
		}
		r.logger.Printf("device discovered: %s (%04x:%04x, %s)", canonical, info.VendorID, info.ProductID, info.Backplane)
		added = append(added, identity)
	}

	// Age out devices missing past the grace period.
	for id, rec := range r.devices {
		if _, ok := present[id]; ok {
			continue
		}
		if rec.missedSince.IsZero() {
			rec.missedSince = now
			continue
		}
		if now.Sub(rec.missedSince) >= r.grace {
			r.logger.Printf("device gone: %s (absent %v)", id, now.Sub(rec.missedSince))
			removed = append(removed, rec.identity)
			delete(r.devices, id)
		}
	}

	// Expire unused aliases.
	for id, alias := range r.aliases {
		if now.After(alias.expires) {
			delete(r.aliases, id)
		}
	}

	return added, removed, merged
}

// refresh updates the transient attributes of a present device.
func (r *Registry) refresh(rec *deviceRecord, info transport.DeviceInfo, now time.Time) {
	rec.identity.Bus = info.Bus
	rec.identity.Address = info.Address
	rec.identity.Backplane = info.Backplane
	rec.identity.LastSeen = now
	rec.missedSince = time.Time{}
	if rec.identity.Synthesized {
		alias := r.aliases[rec.identity.CanonicalID]
		alias.lastSeen = now
		alias.expires = now.Add(r.aliasTTL)
		r.aliases[rec.identity.CanonicalID] = alias
	}
}

// mergeCandidate finds a synthesized identity that heuristically is the
// same physical unit as a newly serialed device: same vendor/product
// family, currently absent, last seen within the merge window.
func (r *Registry) mergeCandidate(info transport.DeviceInfo, present map[string]transport.DeviceInfo, now time.Time) string {
	for id, alias := range r.aliases {
		if alias.canonicalID != id {
			continue // already redirected
		}
		if alias.vendorID != info.VendorID || alias.productID != info.ProductID {
			continue
		}
		if _, stillVisible := present[id]; stillVisible {
			continue
		}
		if now.Sub(alias.lastSeen) > r.mergeWindow {
			continue
		}
		return id
	}
	return ""
}

// merge folds a synthesized identity into a serialed canonical one. No
// disconnect/discover pair is emitted: callers keep seeing one device, and
// lookups through the old id are redirected for the alias TTL.
func (r *Registry) merge(oldID, canonical string, info transport.DeviceInfo, now time.Time) {
	old, existed := r.devices[oldID]
	delete(r.devices, oldID)

	identity := Identity{
		CanonicalID: canonical,
		Serial:      info.Serial,
		VendorID:    info.VendorID,
		ProductID:   info.ProductID,
		Bus:         info.Bus,
		Address:     info.Address,
		Backplane:   info.Backplane,
		LastSeen:    now,
	}
	r.devices[canonical] = &deviceRecord{identity: identity}

	r.aliases[oldID] = aliasEntry{
		canonicalID: canonical,
		vendorID:    info.VendorID,
		productID:   info.ProductID,
		lastSeen:    now,
		expires:     now.Add(r.aliasTTL),
	}
	if existed {
		r.logger.Printf("identity merged: %s -> %s", old.identity.CanonicalID, canonical)
	} else {
		r.logger.Printf("identity merged: %s -> %s", oldID, canonical)
	}
}

// Resolve maps an id (canonical or alias) to the current canonical id.
func (r *Registry) Resolve(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if alias, ok := r.aliases[id]; ok && alias.canonicalID != id {
		return alias.canonicalID
	}
	return id
}

// Lookup returns the identity for a canonical or alias id.
func (r *Registry) Lookup(id string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if alias, ok := r.aliases[id]; ok && alias.canonicalID != id {
		id = alias.canonicalID
	}
	rec, ok := r.devices[id]
	if !ok {
		return Identity{}, false
	}
	return rec.identity, true
}

// Snapshot returns the currently known identities.
func (r *Registry) Snapshot() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Identity, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec.identity)
	}
	return out
}
