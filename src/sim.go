package lorgnette

// Simulation collaborators for running the daemon on a desk: no sensor, no
// codec, no ADC, no cpufreq. Each one stands in for exactly one hardware
// interface and keeps the rest of the device honest.

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// CodecPCM16kMono identifies raw little-endian PCM, 16 kHz mono, on the
// codec characteristic. Served when the device runs with the passthrough
// encoder.
const CodecPCM16kMono byte = 1

// PCMEncoder is a passthrough FrameEncoder: samples go out little-endian,
// truncated to the packet cap. Lossy and crude, but it needs no codec and
// keeps the whole audio path exercisable in simulation and tests.
type PCMEncoder struct {
	frameSize int
	maxBytes  int
}

func NewPCMEncoder(frameSize, maxBytes int) *PCMEncoder {
	return &PCMEncoder{frameSize: frameSize, maxBytes: maxBytes}
}

func (e *PCMEncoder) Encode(frame []int16) ([]byte, error) {
	if len(frame) != e.frameSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFrameSize, len(frame), e.frameSize)
	}

	var n = len(frame)
	if n*2 > e.maxBytes {
		n = e.maxBytes / 2
	}

	var out = make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(frame[i]))
	}

	return out, nil
}

func (e *PCMEncoder) CodecID() byte {
	return CodecPCM16kMono
}

// SimMic synthesizes a steady tone at the capture cadence, standing in for
// the microphone when there is no audio hardware. Frames are delivered on
// the real-time schedule so ring pacing behaves as it does on device.
type SimMic struct {
	sink   func([]int16)
	frame  []int16
	period time.Duration
	step   float64
	phase  float64

	mu      sync.Mutex
	wg      sync.WaitGroup
	stop    chan struct{}
	running bool
}

func NewSimMic(sampleRate, frameSamples int, toneHz float64, sink func([]int16)) *SimMic {
	return &SimMic{
		sink:   sink,
		frame:  make([]int16, frameSamples),
		period: time.Duration(frameSamples) * time.Second / time.Duration(sampleRate),
		step:   2 * math.Pi * toneHz / float64(sampleRate),
	}
}

// Start begins tone generation. Starting a running source is a no-op.
func (m *SimMic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.running = true
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.pump(m.stop)

	return nil
}

// Stop halts generation and waits for the pump goroutine to exit.
func (m *SimMic) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()

		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *SimMic) pump(stop chan struct{}) {
	defer m.wg.Done()

	var tick = time.NewTicker(m.period)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			for i := range m.frame {
				m.frame[i] = int16(12000 * math.Sin(m.phase))

				m.phase += m.step
				if m.phase > 2*math.Pi {
					m.phase -= 2 * math.Pi
				}
			}
			m.sink(m.frame)
		}
	}
}

// SimCamera renders a color-bar test card and compresses it with the
// standard library JPEG encoder. The bars shift one position per shot so
// consecutive captures are distinguishable downstream.
type SimCamera struct {
	log         *log.Logger
	orientation byte
	shot        int
}

func NewSimCamera(orientation byte, logger *log.Logger) *SimCamera {
	return &SimCamera{
		log:         logger.With("sub", "camera"),
		orientation: orientation,
	}
}

var testCardBars = []color.RGBA{
	{R: 191, G: 191, B: 191, A: 255},
	{R: 191, G: 191, B: 0, A: 255},
	{R: 0, G: 191, B: 191, A: 255},
	{R: 0, G: 191, B: 0, A: 255},
	{R: 191, G: 0, B: 191, A: 255},
	{R: 191, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 191, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

func (c *SimCamera) Capture(ctx context.Context) (*ImageAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	const w, h = 160, 120
	var barWidth = w / len(testCardBars)

	var img = image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, testCardBars[(x/barWidth+c.shot)%len(testCardBars)])
		}
	}
	c.shot++

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encode test card: %w", err)
	}

	c.log.Debug("test card rendered", "shot", c.shot, "bytes", buf.Len())

	return NewImageAsset(c.orientation, buf.Bytes()), nil
}

// SimVoltage models a slowly discharging pack behind the ADC divider: a
// linear ramp from start to end pack volts over the span, with a small
// ripple so the monitor's averaging and smoothing have something to chew.
type SimVoltage struct {
	startVolts float64
	endVolts   float64
	span       time.Duration
	divider    float64
	t0         time.Time
	now        func() time.Time
}

func NewSimVoltage(startVolts, endVolts float64, span time.Duration, dividerRatio float64) *SimVoltage {
	return &SimVoltage{
		startVolts: startVolts,
		endVolts:   endVolts,
		span:       span,
		divider:    dividerRatio,
		t0:         time.Now(),
		now:        time.Now,
	}
}

func (s *SimVoltage) ReadVoltage() (float64, error) {
	var elapsed = s.now().Sub(s.t0)

	var frac = float64(elapsed) / float64(s.span)
	if frac > 1 {
		frac = 1
	}

	var pack = s.startVolts + (s.endVolts-s.startVolts)*frac
	pack += 0.01 * math.Sin(elapsed.Seconds())

	return pack / s.divider, nil
}

// SimLEDLine shows LED writes in the log instead of on a GPIO line. Also
// stands in when the real line fails to open, so the patterns keep their
// timing.
type SimLEDLine struct {
	log *log.Logger
	on  bool
}

func NewSimLEDLine(logger *log.Logger) *SimLEDLine {
	return &SimLEDLine{log: logger.With("sub", "led")}
}

func (l *SimLEDLine) SetValue(value int) error {
	var on = value != 0
	if on != l.on {
		l.on = on
		l.log.Debug("led", "on", on)
	}

	return nil
}

// SimGovernor logs clock requests instead of touching cpufreq.
type SimGovernor struct {
	log *log.Logger
}

func NewSimGovernor(logger *log.Logger) *SimGovernor {
	return &SimGovernor{log: logger.With("sub", "power")}
}

func (g *SimGovernor) SetLevel(level ClockLevel) error {
	g.log.Debug("clock level", "level", level)

	return nil
}

// SimSleeper sleeps on the host clock. Deep sleep cannot power anything
// down here, so it reports and returns; the loop has already quiesced and
// the process just idles until killed.
type SimSleeper struct {
	log *log.Logger
}

func NewSimSleeper(logger *log.Logger) *SimSleeper {
	return &SimSleeper{log: logger.With("sub", "power")}
}

func (s *SimSleeper) LightSleep(d time.Duration) error {
	time.Sleep(d)

	return nil
}

func (s *SimSleeper) DeepSleep() error {
	s.log.Info("deep sleep requested")

	return nil
}

// SimJoiner pretends to bring the sideband network up. The short pause
// makes the connecting status observable on the link.
type SimJoiner struct {
	log *log.Logger
}

func NewSimJoiner(logger *log.Logger) *SimJoiner {
	return &SimJoiner{log: logger.With("sub", "upgrade")}
}

func (j *SimJoiner) Join(ctx context.Context, ssid, password string) error {
	j.log.Info("joining network", "ssid", ssid)

	var t = time.NewTimer(300 * time.Millisecond)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *SimJoiner) Leave() {
	j.log.Info("left network")
}

// SimRestarter logs the request and carries on; nothing reboots a desk.
type SimRestarter struct {
	log *log.Logger
}

func NewSimRestarter(logger *log.Logger) *SimRestarter {
	return &SimRestarter{log: logger.With("sub", "upgrade")}
}

func (r *SimRestarter) Restart() error {
	r.log.Info("restart requested")

	return nil
}
