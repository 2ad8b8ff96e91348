// Package transport opens byte-exact message channels to hardware wallet
// devices over one of two OS backplanes (raw USB or HID reports) and hides
// the per-generation report framing differences behind a single Handle type.
package transport

import "io"

// BackplaneKind identifies one of the two OS-level USB access mechanisms.
type BackplaneKind int

const (
	// BackplaneUSB is direct bulk/interrupt transfer via libusb.
	BackplaneUSB BackplaneKind = iota
	// BackplaneHID is report transfer via the OS HID stack.
	BackplaneHID
)

func (k BackplaneKind) String() string {
	switch k {
	case BackplaneUSB:
		return "usb"
	case BackplaneHID:
		return "hid"
	default:
		return "unknown"
	}
}

// Known vendor and product identifiers for supported wallet generations.
// Gen1 devices require a leading report-id byte on every HID report;
// gen2 devices start the report directly with the frame magic.
const (
	VendorGen1 uint16 = 0x534c
	VendorGen2 uint16 = 0x1209

	ProductGen1Firmware   uint16 = 0x0001
	ProductGen2Bootloader uint16 = 0x53c0
	ProductGen2Firmware   uint16 = 0x53c1
)

// SupportedDevice reports whether the vendor/product pair belongs to a
// wallet generation this transport knows how to frame.
func SupportedDevice(vendorID, productID uint16) bool {
	switch vendorID {
	case VendorGen1:
		return productID == ProductGen1Firmware
	case VendorGen2:
		return productID == ProductGen2Firmware || productID == ProductGen2Bootloader
	}
	return false
}

// DeviceInfo describes one enumerated device on one backplane.
// Serial may be empty: some OS HID stacks intermittently withhold it.
type DeviceInfo struct {
	// Path is the backplane-specific device path used to open the device.
	Path string

	VendorID  uint16
	ProductID uint16

	// Serial is the OS-reported serial number, empty when withheld.
	Serial string

	// Bus and Address locate the device on the USB topology. They are
	// transient and may change across reconnects.
	Bus     int
	Address int

	Backplane BackplaneKind
}

// Backplane enumerates and opens wallet devices behind one OS access
// mechanism. Enumerate never claims a device and is safe to call while
// handles are open on the same backplane.
type Backplane interface {
	Kind() BackplaneKind

	// Enumerate returns the supported devices currently visible.
	Enumerate() ([]DeviceInfo, error)

	// Open claims the device at the given path and returns a raw
	// report-level channel to it.
	Open(path string) (io.ReadWriteCloser, error)

	// Close releases any resources held by the backplane itself.
	Close()
}
