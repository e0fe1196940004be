package lorgnette

import (
	"bytes"
)

// Byte-stream transports (TCP, serial) carry channel messages between
// SLIP-style delimiters:
//
//	FEND, channel byte, escaped payload, FEND
//
// A FEND in the payload becomes FESC TFEND and a FESC becomes FESC TFESC,
// so the delimiter never appears inside a frame and a reader can resync on
// the next delimiter after any corruption.
const (
	fend  byte = 0xC0
	fesc  byte = 0xDB
	tfend byte = 0xDC
	tfesc byte = 0xDD
)

// Worst case is every payload byte escaped; anything past this is a
// corrupt stream, not a real frame.
const maxFrameLen = 4096

// EncodeFrame wraps one channel message for a byte-stream transport.
func EncodeFrame(channel byte, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(payload) + 4)

	buf.WriteByte(fend)
	writeEscaped(&buf, channel)
	for _, b := range payload {
		writeEscaped(&buf, b)
	}
	buf.WriteByte(fend)

	return buf.Bytes()
}

func writeEscaped(buf *bytes.Buffer, b byte) {
	switch b {
	case fend:
		buf.WriteByte(fesc)
		buf.WriteByte(tfend)
	case fesc:
		buf.WriteByte(fesc)
		buf.WriteByte(tfesc)
	default:
		buf.WriteByte(b)
	}
}

// FrameDecoder reassembles channel messages from a byte stream. Bytes
// before the first delimiter are noise and are discarded; empty frames
// from back-to-back delimiters are skipped.
type FrameDecoder struct {
	synced   bool
	escaped  bool
	overflow bool
	buf      []byte
}

// Feed consumes a chunk of the stream and calls emit once per completed
// frame. The first byte of an emitted frame is the channel; the rest is
// the payload. The slice is the decoder's own copy and may be retained.
func (d *FrameDecoder) Feed(data []byte, emit func(frame []byte)) {
	for _, b := range data {
		if b == fend {
			if d.synced && !d.overflow && len(d.buf) > 0 {
				emit(append([]byte(nil), d.buf...))
			}

			d.synced = true
			d.escaped = false
			d.overflow = false
			d.buf = d.buf[:0]

			continue
		}

		if !d.synced || d.overflow {
			continue
		}

		if d.escaped {
			d.escaped = false

			switch b {
			case tfend:
				d.push(fend)
			case tfesc:
				d.push(fesc)
			default:
				// Invalid escape; drop the byte and carry on. The
				// frame is almost certainly garbage but the closing
				// delimiter will resync us.
			}

			continue
		}

		if b == fesc {
			d.escaped = true

			continue
		}

		d.push(b)
	}
}

func (d *FrameDecoder) push(b byte) {
	if len(d.buf) >= maxFrameLen {
		d.overflow = true
		d.buf = d.buf[:0]

		return
	}

	d.buf = append(d.buf, b)
}
