package lorgnette

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Camera is the still-capture collaborator. Capture returns a compressed
// image ready for chunking; the sensor, its driver and its compression are
// its own business.
type Camera interface {
	Capture(ctx context.Context) (*ImageAsset, error)
}

// CaptureScheduler decides when the camera fires: one-shot on request, or
// repeating on the configured interval. Clients may ask for any interval
// they like; the configured one is used regardless, which keeps worst-case
// battery drain in the device's hands rather than the companion's.
type CaptureScheduler struct {
	log      *log.Logger
	cam      Camera
	interval time.Duration
	timeout  time.Duration

	singlePending bool
	intervalOn    bool
	lastCapture   time.Time
}

func NewCaptureScheduler(cam Camera, interval, timeout time.Duration, logger *log.Logger) *CaptureScheduler {
	return &CaptureScheduler{
		log:      logger.With("sub", "capture"),
		cam:      cam,
		interval: interval,
		timeout:  timeout,
	}
}

// Control applies a decoded photo control write.
func (s *CaptureScheduler) Control(req CaptureRequest, requestedSeconds int) {
	switch req {
	case CaptureSingle:
		s.singlePending = true
		s.log.Info("single capture requested")

	case CaptureStop:
		s.intervalOn = false
		s.singlePending = false
		s.log.Info("capture stopped")

	case CaptureStartInterval:
		s.intervalOn = true
		// First shot goes out on the next tick.
		s.lastCapture = time.Time{}
		s.log.Info("interval capture started",
			"interval", s.interval, "requested", time.Duration(requestedSeconds)*time.Second)
	}
}

// Active reports whether interval capture is running.
func (s *CaptureScheduler) Active() bool {
	return s.intervalOn
}

// Due reports whether a capture should fire now.
func (s *CaptureScheduler) Due(now time.Time) bool {
	if s.singlePending {
		return true
	}

	return s.intervalOn && (s.lastCapture.IsZero() || now.Sub(s.lastCapture) >= s.interval)
}

// TimeToNext returns the delay until the next scheduled capture. ok is
// false when nothing is scheduled.
func (s *CaptureScheduler) TimeToNext(now time.Time) (time.Duration, bool) {
	if s.singlePending {
		return 0, true
	}
	if !s.intervalOn {
		return 0, false
	}
	if s.lastCapture.IsZero() {
		return 0, true
	}

	var d = s.lastCapture.Add(s.interval).Sub(now)
	if d < 0 {
		d = 0
	}

	return d, true
}

// Capture fires the camera with the per-attempt timeout. A failure or
// timeout skips this cycle quietly; the schedule stays armed and the next
// tick tries again on its own terms.
func (s *CaptureScheduler) Capture(ctx context.Context, now time.Time) *ImageAsset {
	var cctx, cancel = context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var asset, err = s.cam.Capture(cctx)

	// The request is consumed either way; a failed cycle is skipped, not
	// retried, and interval mode waits out a full period.
	s.singlePending = false
	s.lastCapture = now

	if err != nil {
		s.log.Warn("capture failed, skipping this cycle", "err", err)

		return nil
	}
	s.log.Info("captured", "id", asset.ID, "bytes", len(asset.Data))

	return asset
}

// Quiesce clears all capture state, for shutdown paths.
func (s *CaptureScheduler) Quiesce() {
	s.singlePending = false
	s.intervalOn = false
}
