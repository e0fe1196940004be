package lorgnette

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GstCamera takes one JPEG still per capture through a short-lived GStreamer
// pipeline: v4l2src limited to a single buffer, converted and compressed
// into an appsink. Building the pipeline per shot keeps the sensor idle
// between captures, which is where it spends almost all of its life.
type GstCamera struct {
	log         *log.Logger
	device      string
	orientation byte
}

func NewGstCamera(cfg CameraSettings, logger *log.Logger) *GstCamera {
	// Init is safe to call more than once.
	gst.Init(nil)

	return &GstCamera{
		log:         logger.With("sub", "camera"),
		device:      cfg.Device,
		orientation: cfg.Orientation,
	}
}

// Capture runs the one-shot pipeline and blocks until a frame arrives, the
// pipeline reports an error, or ctx expires.
func (c *GstCamera) Capture(ctx context.Context) (*ImageAsset, error) {
	var frames = make(chan []byte, 1)
	var fail = make(chan error, 1)

	var pipeline, err = c.buildPipeline(frames)
	if err != nil {
		return nil, err
	}
	defer pipeline.SetState(gst.StateNull)

	pipeline.GetPipelineBus().AddWatch(func(msg *gst.Message) bool {
		switch msg.Type() {
		case gst.MessageError:
			var gerr = msg.ParseError()
			select {
			case fail <- fmt.Errorf("capture pipeline: %s", gerr.Error()):
			default:
			}

			return false

		case gst.MessageEOS:
			select {
			case fail <- errors.New("capture pipeline ended without a frame"):
			default:
			}

			return false
		}

		return true
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("start capture pipeline: %w", err)
	}

	select {
	case jpeg := <-frames:
		c.log.Debug("frame captured", "bytes", len(jpeg))

		return NewImageAsset(c.orientation, jpeg), nil

	case err := <-fail:
		// The sample callback runs before EOS reaches the bus, but the
		// two channels race in select; when both are ready the frame
		// wins.
		select {
		case jpeg := <-frames:
			return NewImageAsset(c.orientation, jpeg), nil
		default:
		}

		return nil, err

	case <-ctx.Done():
		return nil, fmt.Errorf("capture on %s: %w", c.device, ctx.Err())
	}
}

func (c *GstCamera) buildPipeline(frames chan<- []byte) (*gst.Pipeline, error) {
	var pipeline, err = gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("create v4l2src: %w", err)
	}
	src.SetProperty("device", c.device)
	// One buffer, then EOS. The sensor is released as soon as the shot
	// is through the encoder.
	src.SetProperty("num-buffers", 1)

	conv, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}

	enc, err := gst.NewElement("jpegenc")
	if err != nil {
		return nil, fmt.Errorf("create jpegenc: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)

	if err := pipeline.AddMany(src, conv, enc, sink.Element); err != nil {
		return nil, fmt.Errorf("assemble pipeline: %w", err)
	}
	if err := gst.ElementLinkMany(src, conv, enc, sink.Element); err != nil {
		return nil, fmt.Errorf("link pipeline: %w", err)
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			var sample = s.PullSample()
			if sample == nil {
				return gst.FlowEOS
			}

			var buffer = sample.GetBuffer()
			if buffer == nil {
				c.log.Warn("sample without buffer")

				return gst.FlowError
			}

			var data = buffer.Map(gst.MapRead).Bytes()
			if len(data) == 0 {
				buffer.Unmap()
				c.log.Warn("empty frame from encoder")

				return gst.FlowError
			}

			// Copied out; GStreamer reuses the buffer.
			var jpeg = make([]byte, len(data))
			copy(jpeg, data)
			buffer.Unmap()

			select {
			case frames <- jpeg:
			default:
			}

			return gst.FlowEOS
		},
	})

	return pipeline, nil
}
