package transport

import "encoding/binary"

// Framing selects the report layout used on one open handle. The variant is
// fixed at open time from the device's product id and never re-derived per
// packet; mixing variants within one handle's lifetime is a protocol bug.
type Framing int

const (
	// FramingUSB writes the logical frame over bulk/interrupt transfers in
	// report-sized chunks with no per-report prefix.
	FramingUSB Framing = iota
	// FramingHIDReportID prefixes every HID report with the 0x00 report id
	// byte. Required by gen1 devices; omitting it trips OS parameter
	// validation on Windows.
	FramingHIDReportID
	// FramingHIDBare starts every HID report directly with frame bytes.
	// Used by gen2 devices.
	FramingHIDBare
)

func (f Framing) String() string {
	switch f {
	case FramingUSB:
		return "usb"
	case FramingHIDReportID:
		return "hid+report-id"
	case FramingHIDBare:
		return "hid"
	default:
		return "unknown"
	}
}

// FramingFor returns the framing variant for a device generation on a
// backplane. This is the single place the first-byte convention is decided.
func FramingFor(kind BackplaneKind, productID uint16) Framing {
	if kind == BackplaneUSB {
		return FramingUSB
	}
	if productID == ProductGen1Firmware {
		return FramingHIDReportID
	}
	return FramingHIDBare
}

const (
	// reportSize is the fixed report length on every backplane.
	reportSize = 64
	// frameHeaderSize is magic(3) + msg_type(2) + length(4).
	frameHeaderSize = 9
	// maxFramePayload bounds the declared payload length. Real wallet
	// messages are at most a few KiB; a larger value is a corrupted or
	// hostile header, not a frame worth allocating for.
	maxFramePayload = 1 << 20
)

// frameMagic opens every logical frame, independent of backplane chunking.
var frameMagic = [3]byte{'?', '#', '#'}

// Frame is one logical protocol message. The payload schema is owned by the
// device firmware; the transport treats it as opaque bytes.
type Frame struct {
	Type    uint16
	Payload []byte
}

// encodeFrame serializes a frame into its logical byte layout:
// [magic:3][msg_type:2][length:4][payload].
func encodeFrame(f Frame) []byte {
	raw := make([]byte, frameHeaderSize+len(f.Payload))
	copy(raw, frameMagic[:])
	binary.BigEndian.PutUint16(raw[3:5], f.Type)
	binary.BigEndian.PutUint32(raw[5:9], uint32(len(f.Payload)))
	copy(raw[frameHeaderSize:], f.Payload)
	return raw
}

// decodeFrameHeader parses the logical header from the start of raw.
// It returns the message type and payload length.
func decodeFrameHeader(raw []byte) (msgType uint16, length uint32, err error) {
	if len(raw) < frameHeaderSize {
		return 0, 0, NewMalformedFrameError("decode", "frame header truncated")
	}
	if raw[0] != frameMagic[0] || raw[1] != frameMagic[1] || raw[2] != frameMagic[2] {
		return 0, 0, NewMalformedFrameError("decode", "bad frame magic")
	}
	length = binary.BigEndian.Uint32(raw[5:9])
	if length > maxFramePayload {
		return 0, 0, NewMalformedFrameError("decode", "declared payload length exceeds limit")
	}
	return binary.BigEndian.Uint16(raw[3:5]), length, nil
}

// chunkReports splits the logical frame bytes into fixed-size reports for
// the given framing variant. The last report is zero-padded. For the
// report-id variant every report gains a leading 0x00 byte, so the wire
// report is reportSize+1 bytes.
func chunkReports(framing Framing, raw []byte) [][]byte {
	var reports [][]byte
	for off := 0; off < len(raw); off += reportSize {
		end := off + reportSize
		if end > len(raw) {
			end = len(raw)
		}
		var report []byte
		if framing == FramingHIDReportID {
			report = make([]byte, reportSize+1)
			copy(report[1:], raw[off:end])
		} else {
			report = make([]byte, reportSize)
			copy(report, raw[off:end])
		}
		reports = append(reports, report)
	}
	return reports
}

// stripReport removes the per-report prefix for the given framing variant,
// returning only logical frame bytes.
func stripReport(framing Framing, report []byte) []byte {
	if framing == FramingHIDReportID && len(report) > 0 {
		return report[1:]
	}
	return report
}
