package lorgnette

import (
	"github.com/google/uuid"
)

// ImageAsset is one captured, already-compressed image together with its
// orientation tag. The asset is owned exclusively by whoever holds it:
// first the capture path, then the multiplexer until the final chunk and
// end marker have gone out.
type ImageAsset struct {
	ID          uuid.UUID
	Orientation byte
	Data        []byte
}

func NewImageAsset(orientation byte, data []byte) *ImageAsset {
	return &ImageAsset{ID: uuid.New(), Orientation: orientation, Data: data}
}

// chunkCursor walks an ImageAsset producing wire chunks in ascending index
// order: the first chunk carries the orientation and up to FirstChunkPayload
// bytes, every later chunk up to NextChunkPayload bytes, and after the last
// byte a single end marker. The index wraps modulo 65536 on very large
// assets; receivers order by arrival.
type chunkCursor struct {
	asset *ImageAsset
	off   int
	index uint16
	ended bool
}

func newChunkCursor(asset *ImageAsset) *chunkCursor {
	return &chunkCursor{asset: asset}
}

// next returns the next wire message for this asset and whether the transfer
// is now complete (the end marker has been produced). Calling next after
// completion returns (nil, true).
func (c *chunkCursor) next() ([]byte, bool) {
	if c.ended {
		return nil, true
	}

	var data = c.asset.Data

	if c.off == 0 && c.index == 0 {
		var n = min(FirstChunkPayload, len(data))
		var pkt = BuildImageChunkFirst(c.asset.Orientation, data[:n])
		c.off = n
		c.index = 1

		return pkt, false
	}

	if c.off < len(data) {
		var n = min(NextChunkPayload, len(data)-c.off)
		var pkt = BuildImageChunkNext(c.index, data[c.off:c.off+n])
		c.off += n
		c.index++

		return pkt, false
	}

	c.ended = true

	return BuildImageEnd(), true
}

// remaining reports how many payload bytes are still to be sent.
func (c *chunkCursor) remaining() int {
	return len(c.asset.Data) - c.off
}
