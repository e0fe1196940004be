package lorgnette

import (
	"errors"

	"github.com/charmbracelet/log"
)

var ErrTransferActive = errors.New("image transfer already active")

// MuxStats counts what the multiplexer has put on (or failed to put on)
// the link since boot.
type MuxStats struct {
	AudioPacketsSent uint64
	ImageChunksSent  uint64
	ImagesCompleted  uint64
	NotifyFailures   uint64
}

// LinkMultiplexer arbitrates the link between the audio stream and image
// transfers. Audio has strict priority: every queued audio packet goes out
// before any image chunk is considered, and a tick that sent audio sends no
// image chunks at all, so a transfer in progress resumes cleanly on the
// next quiet tick (audio can starve images under sustained load; that is
// the intended trade).
//
// The multiplexer owns at most one ImageAsset at a time, from StartImage
// until the end marker has gone out.
type LinkMultiplexer struct {
	log        *log.Logger
	link       Link
	tx         *PacketRing
	cursor     *chunkCursor
	budget     int
	audioIndex uint16
	stats      MuxStats
}

func NewLinkMultiplexer(link Link, tx *PacketRing, chunkBudget int, logger *log.Logger) *LinkMultiplexer {
	if chunkBudget < 1 {
		chunkBudget = 1
	}

	return &LinkMultiplexer{
		log:    logger.With("sub", "mux"),
		link:   link,
		tx:     tx,
		budget: chunkBudget,
	}
}

// StartImage takes ownership of asset and begins chunking it out on
// subsequent ticks. Rejected while another transfer is active; the caller
// keeps ownership in that case.
func (m *LinkMultiplexer) StartImage(asset *ImageAsset) error {
	if m.cursor != nil {
		return ErrTransferActive
	}

	m.cursor = newChunkCursor(asset)
	m.log.Info("image transfer started", "id", asset.ID, "bytes", len(asset.Data))

	return nil
}

// ImageActive reports whether an asset is currently being chunked out.
func (m *LinkMultiplexer) ImageActive() bool {
	return m.cursor != nil
}

// Tick sends this tick's traffic: all queued audio first, then, only if no
// audio went out, up to the per-tick chunk budget of the active image.
func (m *LinkMultiplexer) Tick() {
	var sentAudio = m.drainAudio()

	if m.cursor == nil || sentAudio {
		return
	}

	for i := 0; i < m.budget; i++ {
		var pkt, done = m.cursor.next()

		if err := m.link.NotifyPhoto(pkt); err != nil {
			m.stats.NotifyFailures++
			m.log.Debug("image chunk dropped", "err", err)
		} else {
			m.stats.ImageChunksSent++
		}

		if done {
			m.stats.ImagesCompleted++
			m.log.Info("image transfer complete", "id", m.cursor.asset.ID)
			m.cursor = nil

			break
		}
	}
}

func (m *LinkMultiplexer) drainAudio() bool {
	var sent = false

	for {
		var payload, ok = m.tx.Pop()
		if !ok {
			break
		}

		var pkt = BuildAudioPacket(m.audioIndex, payload)
		m.audioIndex++ // wraps modulo 65536

		if err := m.link.NotifyAudio(pkt); err != nil {
			m.stats.NotifyFailures++
			m.log.Debug("audio packet dropped", "err", err)
		} else {
			m.stats.AudioPacketsSent++
		}

		sent = true
	}

	return sent
}

// DropImage abandons the active transfer without sending an end marker,
// for quiesce paths. The asset is released.
func (m *LinkMultiplexer) DropImage() {
	if m.cursor != nil {
		m.log.Warn("image transfer abandoned", "id", m.cursor.asset.ID, "remaining", m.cursor.remaining())
		m.cursor = nil
	}
}

func (m *LinkMultiplexer) Stats() MuxStats {
	return m.stats
}
