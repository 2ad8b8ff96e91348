package transport

import (
	"fmt"
	"io"
	"strings"

	"github.com/karalabe/hid"
)

// hidBackplane is the secondary backplane: report transfer through the OS
// HID stack. Functionally equivalent to raw USB at the framing layer, used
// when direct USB access is unavailable.
type hidBackplane struct {
	vendors []uint16
}

// NewHIDBackplane creates the HID backplane.
func NewHIDBackplane() Backplane {
	return &hidBackplane{vendors: []uint16{VendorGen1, VendorGen2}}
}

func (b *hidBackplane) Kind() BackplaneKind {
	return BackplaneHID
}

func (b *hidBackplane) Enumerate() ([]DeviceInfo, error) {
	if !hid.Supported() {
		return nil, NewNotFoundError("Enumerate", "hid unsupported on this platform")
	}

	var infos []DeviceInfo
	for _, vendor := range b.vendors {
		found, err := hid.Enumerate(vendor, 0)
		if err != nil {
			return nil, mapHIDError("Enumerate", fmt.Sprintf("%04x", vendor), err)
		}
		for _, info := range found {
			if !SupportedDevice(info.VendorID, info.ProductID) {
				continue
			}
			infos = append(infos, DeviceInfo{
				Path:      info.Path,
				VendorID:  info.VendorID,
				ProductID: info.ProductID,
				Serial:    info.Serial,
				Backplane: BackplaneHID,
			})
		}
	}
	return infos, nil
}

func (b *hidBackplane) Open(path string) (io.ReadWriteCloser, error) {
	if !hid.Supported() {
		return nil, NewNotFoundError("Open", path)
	}
	for _, vendor := range b.vendors {
		found, err := hid.Enumerate(vendor, 0)
		if err != nil {
			return nil, mapHIDError("Open", path, err)
		}
		for _, info := range found {
			if info.Path != path {
				continue
			}
			dev, err := info.Open()
			if err != nil {
				return nil, mapHIDError("Open", path, err)
			}
			return dev, nil
		}
	}
	return nil, NewNotFoundError("Open", path)
}

func (b *hidBackplane) Close() {
}

func mapHIDError(op, path string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "access"):
		return NewAccessDeniedError(op, path, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "exclusive"):
		return NewBusyError(op, path)
	default:
		return err
	}
}
