package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/gousb"
)

// usbBackplane is the primary backplane: direct bulk/interrupt transfer via
// libusb. It is preferred because it bypasses OS HID quirks, but it may be
// unavailable (permissions, kernel driver claims), in which case the
// Transport falls back to HID.
type usbBackplane struct {
	ctx    *gousb.Context
	logger *log.Logger
}

// NewUSBBackplane creates the raw-USB backplane.
func NewUSBBackplane() Backplane {
	return &usbBackplane{
		ctx:    gousb.NewContext(),
		logger: log.New(os.Stderr, "[usb] ", log.LstdFlags),
	}
}

func (b *usbBackplane) Kind() BackplaneKind {
	return BackplaneUSB
}

func (b *usbBackplane) Enumerate() ([]DeviceInfo, error) {
	var infos []DeviceInfo

	// OpenDevices is the only enumeration primitive gousb offers; devices
	// are opened just long enough to read the serial, never claimed.
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return SupportedDevice(uint16(desc.Vendor), uint16(desc.Product))
	})
	for _, dev := range devs {
		serial, serr := dev.SerialNumber()
		if serr != nil {
			// Serial withheld by the OS; identity resolution handles it.
			serial = ""
		}
		desc := dev.Desc
		infos = append(infos, DeviceInfo{
			Path:      usbPath(desc.Bus, desc.Address),
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Serial:    serial,
			Bus:       desc.Bus,
			Address:   desc.Address,
			Backplane: BackplaneUSB,
		})
		dev.Close()
	}
	if err != nil && len(infos) == 0 {
		return nil, err
	}
	if err != nil {
		// Partial enumeration: some devices failed to open, the rest are
		// still reported.
		b.logger.Printf("partial enumeration: %v", err)
	}
	return infos, nil
}

func (b *usbBackplane) Open(path string) (io.ReadWriteCloser, error) {
	var bus, addr int
	if _, err := fmt.Sscanf(path, "usb:%03d:%03d", &bus, &addr); err != nil {
		return nil, NewNotFoundError("Open", path)
	}

	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == addr &&
			SupportedDevice(uint16(desc.Vendor), uint16(desc.Product))
	})
	if err != nil && len(devs) == 0 {
		return nil, mapUSBError("Open", path, err)
	}
	if len(devs) == 0 {
		return nil, NewNotFoundError("Open", path)
	}
	// More than one match cannot happen for a bus:address pair; close extras.
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev := devs[0]

	if err := dev.SetAutoDetach(true); err != nil {
		b.logger.Printf("auto-detach not available for %s: %v", path, err)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return nil, mapUSBError("Open", path, err)
	}
	in, out, err := walletEndpoints(intf)
	if err != nil {
		done()
		dev.Close()
		return nil, err
	}
	return &usbDevice{dev: dev, intf: intf, intfDone: done, in: in, out: out}, nil
}

func (b *usbBackplane) Close() {
	if b.ctx != nil {
		b.ctx.Close()
	}
}

func usbPath(bus, addr int) string {
	return fmt.Sprintf("usb:%03d:%03d", bus, addr)
}

// walletEndpoints locates the interrupt in/out endpoint pair on the claimed
// interface.
func walletEndpoints(intf *gousb.Interface) (*gousb.InEndpoint, *gousb.OutEndpoint, error) {
	var inNum, outNum = -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		return nil, nil, NewMalformedFrameError("Open", "device interface has no in/out endpoint pair")
	}
	in, err := intf.InEndpoint(inNum)
	if err != nil {
		return nil, nil, err
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

func mapUSBError(op, path string, err error) error {
	switch {
	case errors.Is(err, gousb.ErrorAccess):
		return NewAccessDeniedError(op, path, err)
	case errors.Is(err, gousb.ErrorBusy):
		return NewBusyError(op, path)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		return NewNotFoundError(op, path)
	default:
		return err
	}
}

// usbDevice adapts a claimed gousb interface to io.ReadWriteCloser.
type usbDevice struct {
	dev      *gousb.Device
	intf     *gousb.Interface
	intfDone func()
	in       *gousb.InEndpoint
	out      *gousb.OutEndpoint
}

func (d *usbDevice) Read(p []byte) (int, error) {
	return d.in.Read(p)
}

func (d *usbDevice) Write(p []byte) (int, error) {
	return d.out.Write(p)
}

func (d *usbDevice) Close() error {
	d.intfDone()
	return d.dev.Close()
}
