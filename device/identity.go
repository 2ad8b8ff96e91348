package device

import (
	"fmt"
	"time"

	"github.com/keywarden/hww-agent/transport"
)

// Identity is one physical unit as the registry tracks it. CanonicalID is
// the stable identifier callers address; everything else is OS-reported
// state that may churn across reconnects.
type Identity struct {
	CanonicalID string
	Serial      string
	VendorID    uint16
	ProductID   uint16
	Bus         int
	Address     int
	Backplane   transport.BackplaneKind
	LastSeen    time.Time

	// Synthesized is true when the canonical id was derived from the bus
	// position because the OS withheld the serial number.
	Synthesized bool
}

// canonicalFor derives the canonical id for an enumeration entry: the
// serial number when present, otherwise a synthesized bus-position id.
func canonicalFor(info transport.DeviceInfo) (id string, synthesized bool) {
	if info.Serial != "" {
		return info.Serial, false
	}
	return synthesizedID(info), true
}

// synthesizedID builds a transient id from the device's vendor/product pair
// and its position. HID enumeration does not expose bus numbers, so the
// backplane path stands in for them there.
func synthesizedID(info transport.DeviceInfo) string {
	if info.Bus != 0 || info.Address != 0 {
		return fmt.Sprintf("%04x:%04x@%03d:%03d", info.VendorID, info.ProductID, info.Bus, info.Address)
	}
	return fmt.Sprintf("%04x:%04x@%s", info.VendorID, info.ProductID, info.Path)
}

// query builds the transport open query for this identity.
func (id Identity) query() transport.Query {
	return transport.Query{
		CanonicalID: id.CanonicalID,
		Serial:      id.Serial,
		VendorID:    id.VendorID,
		ProductID:   id.ProductID,
		Bus:         id.Bus,
		Address:     id.Address,
	}
}
