package lorgnette

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire formats for the capture link. All multi-byte fields are little-endian
// except the SET_URL length, which the deployed protocol sends big-endian;
// that asymmetry is preserved for compatibility with existing companions.

const (
	// Audio packet: [indexLo, indexHi, subIndex=0x00, payload].
	audioHeaderLen = 3

	// First chunk of an image: [0x00, 0x00, orientation, payload].
	FirstChunkPayload = 197

	// Subsequent chunks: [indexLo, indexHi, payload].
	NextChunkPayload = 200
)

// Upgrade control command identifiers.
const (
	UpgradeOpSetWiFi   byte = 0x01
	UpgradeOpStart     byte = 0x02
	UpgradeOpCancel    byte = 0x03
	UpgradeOpGetStatus byte = 0x04
	UpgradeOpSetURL    byte = 0x05
)

var ErrMalformed = errors.New("malformed command")

// BuildAudioPacket wraps one encoded audio frame for the link. The index
// wraps modulo 65536; the third byte is a sub-index reserved for future
// fragmentation and always zero today.
func BuildAudioPacket(index uint16, payload []byte) []byte {
	var pkt = make([]byte, audioHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(pkt, index)
	pkt[2] = 0x00
	copy(pkt[audioHeaderLen:], payload)

	return pkt
}

// ParseAudioPacket is the receiver-side inverse of BuildAudioPacket.
func ParseAudioPacket(pkt []byte) (uint16, []byte, error) {
	if len(pkt) < audioHeaderLen {
		return 0, nil, fmt.Errorf("%w: audio packet %d bytes", ErrMalformed, len(pkt))
	}

	return binary.LittleEndian.Uint16(pkt), pkt[audioHeaderLen:], nil
}

// BuildImageChunkFirst builds the opening chunk of an image transfer, which
// carries the orientation tag in place of a distinct header. payload must
// not exceed FirstChunkPayload.
func BuildImageChunkFirst(orientation byte, payload []byte) []byte {
	var pkt = make([]byte, 3+len(payload))
	pkt[0] = 0x00
	pkt[1] = 0x00
	pkt[2] = orientation
	copy(pkt[3:], payload)

	return pkt
}

// BuildImageChunkNext builds chunk number index (starting at 1) of an image
// transfer. payload must not exceed NextChunkPayload.
func BuildImageChunkNext(index uint16, payload []byte) []byte {
	var pkt = make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(pkt, index)
	copy(pkt[2:], payload)

	return pkt
}

// BuildImageEnd builds the 2-byte transfer end marker.
func BuildImageEnd() []byte {
	return []byte{0xFF, 0xFF}
}

// ImageChunk is the decoded form of one image transfer message.
type ImageChunk struct {
	Index       uint16
	First       bool
	End         bool
	Orientation byte
	Payload     []byte
}

// ParseImageChunk decodes an image transfer message. The end marker is
// exactly two 0xFF bytes; anything shorter than a valid header is malformed.
func ParseImageChunk(pkt []byte) (ImageChunk, error) {
	if len(pkt) == 2 && pkt[0] == 0xFF && pkt[1] == 0xFF {
		return ImageChunk{End: true}, nil
	}

	if len(pkt) < 2 {
		return ImageChunk{}, fmt.Errorf("%w: image chunk %d bytes", ErrMalformed, len(pkt))
	}

	var index = binary.LittleEndian.Uint16(pkt)
	if index == 0 {
		if len(pkt) < 3 {
			return ImageChunk{}, fmt.Errorf("%w: first chunk missing orientation", ErrMalformed)
		}

		return ImageChunk{First: true, Orientation: pkt[2], Payload: pkt[3:]}, nil
	}

	return ImageChunk{Index: index, Payload: pkt[2:]}, nil
}

// CaptureRequest is a decoded photo control write.
type CaptureRequest int

const (
	CaptureStop CaptureRequest = iota
	CaptureSingle
	CaptureStartInterval
)

// ParsePhotoControl decodes the single signed control byte: -1 requests one
// capture, 0 stops interval capture, 5 and up starts it. The requested
// interval value is returned but the device substitutes its configured
// interval (battery policy). 1..4 and anything below -1 are malformed.
func ParsePhotoControl(b byte) (CaptureRequest, int, error) {
	var v = int(int8(b))

	switch {
	case v == -1:
		return CaptureSingle, 0, nil
	case v == 0:
		return CaptureStop, 0, nil
	case v >= 5:
		return CaptureStartInterval, v, nil
	default:
		return CaptureStop, 0, fmt.Errorf("%w: photo control %d", ErrMalformed, v)
	}
}

// UpgradeCommand is a decoded upgrade control write.
type UpgradeCommand struct {
	Op       byte
	SSID     string
	Password string
	URL      string
}

// ParseUpgradeCommand decodes an upgrade control write. Parsing is strict
// about declared lengths fitting the message but ignores surplus trailing
// bytes, matching the deployed firmware's reads.
func ParseUpgradeCommand(data []byte) (UpgradeCommand, error) {
	if len(data) == 0 {
		return UpgradeCommand{}, fmt.Errorf("%w: empty upgrade command", ErrMalformed)
	}

	var cmd = UpgradeCommand{Op: data[0]}

	switch cmd.Op {
	case UpgradeOpStart, UpgradeOpCancel, UpgradeOpGetStatus:
		return cmd, nil

	case UpgradeOpSetWiFi:
		if len(data) < 2 {
			return UpgradeCommand{}, fmt.Errorf("%w: SET_WIFI missing ssid length", ErrMalformed)
		}

		var ssidLen = int(data[1])
		if len(data) < 2+ssidLen+1 {
			return UpgradeCommand{}, fmt.Errorf("%w: SET_WIFI ssid truncated", ErrMalformed)
		}
		cmd.SSID = string(data[2 : 2+ssidLen])

		var passOff = 2 + ssidLen
		var passLen = int(data[passOff])
		if len(data) < passOff+1+passLen {
			return UpgradeCommand{}, fmt.Errorf("%w: SET_WIFI password truncated", ErrMalformed)
		}
		cmd.Password = string(data[passOff+1 : passOff+1+passLen])

		return cmd, nil

	case UpgradeOpSetURL:
		if len(data) < 3 {
			return UpgradeCommand{}, fmt.Errorf("%w: SET_URL missing length", ErrMalformed)
		}

		// Big-endian, unlike every other length on this link.
		var urlLen = int(binary.BigEndian.Uint16(data[1:3]))
		if len(data) < 3+urlLen {
			return UpgradeCommand{}, fmt.Errorf("%w: SET_URL url truncated", ErrMalformed)
		}
		cmd.URL = string(data[3 : 3+urlLen])

		return cmd, nil

	default:
		return UpgradeCommand{}, fmt.Errorf("%w: unknown upgrade op 0x%02X", ErrMalformed, cmd.Op)
	}
}

// BuildUpgradeStatus builds the 2-byte status notification.
func BuildUpgradeStatus(status UpgradeStatus, progress byte) []byte {
	return []byte{byte(status), progress}
}
