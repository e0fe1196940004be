package lorgnette

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// FrameEncoder compresses exactly one frame of PCM into an opaque payload.
// Implementations must reject any slice whose length differs from their
// configured frame size with ErrFrameSize; feeding a wrong-sized frame is a
// programming error, not a runtime condition.
type FrameEncoder interface {
	Encode(frame []int16) ([]byte, error)
	CodecID() byte
}

var ErrFrameSize = errors.New("frame length does not match encoder frame size")

// AudioStats is a snapshot of the pipeline's drop accounting. Streaming
// losses never surface as errors; they only show up here and in debug logs.
type AudioStats struct {
	FramesEncoded  uint64
	EncodeFailures uint64
	PacketsDropped uint64
	SamplesEvicted uint64
}

// AudioPipeline moves PCM from the capture source to the transmit queue:
// OnSamples copies captured samples into a ring buffer (overwriting the
// oldest audio rather than ever blocking the source), and Tick drains
// full frames through the encoder into the transmit PacketRing.
type AudioPipeline struct {
	log       *log.Logger
	enc       FrameEncoder
	capture   *Ring[int16]
	tx        *PacketRing
	frame     []int16
	frameSize int

	framesEncoded  atomic.Uint64
	encodeFailures atomic.Uint64
	packetsDropped atomic.Uint64
	samplesEvicted atomic.Uint64
}

// NewAudioPipeline sizes the capture ring for captureSamples and hands
// encoded frames to tx. A pipeline that fails to construct stays disabled;
// the caller must not fall back to a half-initialized one.
func NewAudioPipeline(frameSize, captureSamples int, enc FrameEncoder, tx *PacketRing, logger *log.Logger) (*AudioPipeline, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("audio frame size %d", frameSize)
	}
	if captureSamples <= frameSize {
		return nil, fmt.Errorf("capture ring %d samples cannot hold a %d sample frame", captureSamples, frameSize)
	}

	// One extra slot so the ring's usable capacity is the full requested
	// sample count.
	var capture, err = NewRing[int16](captureSamples + 1)
	if err != nil {
		return nil, err
	}

	return &AudioPipeline{
		log:       logger.With("sub", "audio"),
		enc:       enc,
		capture:   capture,
		tx:        tx,
		frame:     make([]int16, frameSize),
		frameSize: frameSize,
	}, nil
}

// OnSamples feeds captured PCM into the pipeline. Safe to call from the
// capture goroutine; the samples are copied before return. Backpressure is
// resolved by evicting the oldest unconsumed audio, never by blocking.
func (p *AudioPipeline) OnSamples(samples []int16) {
	var evicted = p.capture.PushAllOverwrite(samples)
	if evicted > 0 {
		p.samplesEvicted.Add(uint64(evicted))
	}
}

// Tick encodes every complete frame currently buffered. Encoder failures
// drop the frame; a full transmit queue drops the packet. Neither is
// retried.
func (p *AudioPipeline) Tick() {
	for p.capture.PopFrameInto(p.frame) {
		var data, err = p.enc.Encode(p.frame)
		if err != nil {
			p.encodeFailures.Add(1)
			p.log.Warn("frame dropped", "err", err)

			continue
		}

		if !p.tx.Push(data) {
			p.packetsDropped.Add(1)
			p.log.Debug("transmit queue full, packet dropped", "bytes", len(data))

			continue
		}

		p.framesEncoded.Add(1)
	}
}

// Buffered reports how many samples are waiting in the capture ring.
func (p *AudioPipeline) Buffered() int {
	return p.capture.Available()
}

// Flush discards all buffered capture samples, for quiesce before sleep.
func (p *AudioPipeline) Flush() {
	p.capture.Reset()
}

func (p *AudioPipeline) Stats() AudioStats {
	return AudioStats{
		FramesEncoded:  p.framesEncoded.Load(),
		EncodeFailures: p.encodeFailures.Load(),
		PacketsDropped: p.packetsDropped.Load(),
		SamplesEvicted: p.samplesEvicted.Load(),
	}
}
