package lorgnette

import (
	"encoding/binary"
	"sync"
)

// PacketRing is a byte ring buffer holding variable-length packets, each
// stored with a 2-byte little-endian length prefix. Admission is
// reject-whole-item: a packet that does not fit in the free space (prefix
// included) is refused outright, never partially written, and the cursors
// are left exactly as they were.
//
// As with Ring, one byte is kept unused to disambiguate full from empty.
type PacketRing struct {
	mu      sync.Mutex
	buf     []byte
	w       int
	r       int
	pending int
}

// MaxPacketLen bounds a single packet in a PacketRing. The 2-byte prefix
// could express more, but no queued payload in this system comes close.
const MaxPacketLen = 0xFFFF

func NewPacketRing(capacity int) (*PacketRing, error) {
	if capacity < 2 {
		return nil, ErrRingCapacity
	}

	return &PacketRing{buf: make([]byte, capacity)}, nil
}

func (pr *PacketRing) available() int {
	if pr.w >= pr.r {
		return pr.w - pr.r
	}

	return len(pr.buf) - (pr.r - pr.w)
}

// Free returns the number of payload+prefix bytes a Push could still admit.
func (pr *PacketRing) Free() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	return len(pr.buf) - 1 - pr.available()
}

// Pending returns the number of whole packets queued.
func (pr *PacketRing) Pending() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	return pr.pending
}

// Push queues one packet. It returns false, with no partial write and no
// cursor movement, when the prefix plus payload does not fit in the free
// space or the payload exceeds MaxPacketLen.
func (pr *PacketRing) Push(p []byte) bool {
	if len(p) > MaxPacketLen {
		return false
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()

	var needed = len(p) + 2
	if needed > len(pr.buf)-1-pr.available() {
		return false
	}

	var prefix [2]byte
	binary.LittleEndian.PutUint16(prefix[:], uint16(len(p)))
	pr.writeBytes(prefix[:])
	pr.writeBytes(p)
	pr.pending++

	return true
}

func (pr *PacketRing) writeBytes(b []byte) {
	for _, c := range b {
		pr.buf[pr.w] = c
		pr.w = (pr.w + 1) % len(pr.buf)
	}
}

// Pop removes and returns the oldest queued packet, or (nil, false) when
// the ring is empty. The returned slice is freshly allocated.
func (pr *PacketRing) Pop() ([]byte, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.pending == 0 {
		return nil, false
	}

	var prefix [2]byte
	pr.readBytes(prefix[:])

	var p = make([]byte, binary.LittleEndian.Uint16(prefix[:]))
	pr.readBytes(p)
	pr.pending--

	return p, true
}

// Peek reports the length of the oldest queued packet without consuming it.
func (pr *PacketRing) Peek() (int, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.pending == 0 {
		return 0, false
	}

	var lo = pr.buf[pr.r]
	var hi = pr.buf[(pr.r+1)%len(pr.buf)]

	return int(binary.LittleEndian.Uint16([]byte{lo, hi})), true
}

func (pr *PacketRing) readBytes(dst []byte) {
	for i := range dst {
		dst[i] = pr.buf[pr.r]
		pr.r = (pr.r + 1) % len(pr.buf)
	}
}

// Reset discards all queued packets.
func (pr *PacketRing) Reset() {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.w = 0
	pr.r = 0
	pr.pending = 0
}
