package lorgnette

import (
	"fmt"

	"layeh.com/gopus"
)

// CodecOpus16kMono is the value served on the codec identifier
// characteristic: Opus, 16 kHz, mono. Companions key their decoder off it.
const CodecOpus16kMono byte = 21

// OpusEncoder adapts a libopus encoder to the FrameEncoder contract:
// voice-tuned, constrained to one exact frame quantum per call.
type OpusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
	maxBytes  int
}

func NewOpusEncoder(sampleRate, frameSize, maxBytes, bitrate int) (*OpusEncoder, error) {
	var enc, err = gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	enc.SetBitrate(bitrate)

	return &OpusEncoder{enc: enc, frameSize: frameSize, maxBytes: maxBytes}, nil
}

func (e *OpusEncoder) Encode(frame []int16) ([]byte, error) {
	if len(frame) != e.frameSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFrameSize, len(frame), e.frameSize)
	}

	var data, err = e.enc.Encode(frame, e.frameSize, e.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}

	return data, nil
}

func (e *OpusEncoder) CodecID() byte {
	return CodecOpus16kMono
}
