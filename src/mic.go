package lorgnette

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

// Mic captures mono PCM from the default input device and pumps it into a
// sink on its own goroutine. Start and Stop bracket the capture stream; the
// device loop drives them from the audio subscription so the hardware runs
// only while a client is listening. A configurable left shift boosts the
// quiet raw samples, saturating at the int16 range instead of wrapping.
type Mic struct {
	log    *log.Logger
	stream *portaudio.Stream
	sink   func([]int16)
	buf    []int16
	gained []int16
	shift  uint
	period time.Duration

	mu      sync.Mutex
	wg      sync.WaitGroup
	running bool
	closed  bool
}

// NewMic opens a capture stream on the default input device delivering
// frameSamples samples per read, so each read is exactly one codec frame.
// The sink must be safe to call from the capture goroutine.
func NewMic(sampleRate, frameSamples, gainShift int, sink func([]int16), logger *log.Logger) (*Mic, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}

	var m = &Mic{
		log:    logger.With("sub", "mic"),
		sink:   sink,
		buf:    make([]int16, frameSamples),
		gained: make([]int16, frameSamples),
		shift:  uint(gainShift),
		period: time.Duration(frameSamples) * time.Second / time.Duration(sampleRate),
	}

	var stream, err = portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSamples, m.buf)
	if err != nil {
		portaudio.Terminate()

		return nil, fmt.Errorf("open capture stream: %w", err)
	}
	m.stream = stream

	return m, nil
}

// Start begins capture. Starting a running microphone is a no-op.
func (m *Mic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("microphone closed")
	}
	if m.running {
		return nil
	}

	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("start capture stream: %w", err)
	}

	m.running = true
	m.wg.Add(1)
	go m.pump()
	m.log.Debug("capture started")

	return nil
}

// Stop halts capture and waits for the pump goroutine to exit. Buffered
// audio still in the driver is discarded; the pipeline's capture ring keeps
// whatever already arrived.
func (m *Mic) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()

		return
	}
	m.running = false
	m.mu.Unlock()

	// Abort rather than Stop: it unblocks a pending read immediately
	// instead of draining the driver's queue first.
	if err := m.stream.Abort(); err != nil {
		m.log.Warn("abort capture stream", "err", err)
	}
	m.wg.Wait()
	m.log.Debug("capture stopped")
}

// Close releases the stream and the audio host. The microphone cannot be
// started again afterwards.
func (m *Mic) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()

	var err = m.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}

	return err
}

func (m *Mic) pump() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		var running = m.running
		m.mu.Unlock()
		if !running {
			return
		}

		if err := m.stream.Read(); err != nil {
			m.mu.Lock()
			running = m.running
			m.mu.Unlock()
			if !running {
				// Abort from Stop surfaces here.
				return
			}

			// A vanished input device fails every read instantly.
			// Pacing the retries at the frame period keeps the
			// loop cold until the stream recovers.
			m.log.Warn("capture read failed", "err", err)
			time.Sleep(m.period)

			continue
		}

		var out = m.buf
		if m.shift > 0 {
			shiftGain(m.gained, m.buf, m.shift)
			out = m.gained
		}
		m.sink(out)
	}
}

// shiftGain left-shifts every sample by shift, clamping to the int16 range.
func shiftGain(dst, src []int16, shift uint) {
	for i, s := range src {
		var v = int32(s) << shift
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		dst[i] = int16(v)
	}
}
