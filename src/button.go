package lorgnette

import (
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/warthog618/go-gpiocdev"
)

// Flag is a single-writer boolean for interrupt-like contexts: the edge
// handler may only Set it, and the tick claims it with TakeAndClear. All
// real handling happens on the tick.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Set() {
	f.v.Store(true)
}

func (f *Flag) TakeAndClear() bool {
	return f.v.Swap(false)
}

// ButtonEvent is what one tick of the button state machine produced.
type ButtonEvent int

const (
	ButtonNone ButtonEvent = iota
	ButtonShortPress
	ButtonLongPress
)

// ButtonLine is the level-read surface of a GPIO input line.
type ButtonLine interface {
	Value() (int, error)
}

// Button debounces the physical input and detects the long press that
// requests shutdown. Edge events only set the Flag; Update polls the line
// level on the tick, applies the settle lockout, and measures hold time.
// The long press fires once while held and rearms only on release.
type Button struct {
	log  *log.Logger
	line ButtonLine
	Edge Flag

	activeLevel int
	settle      time.Duration
	holdFor     time.Duration

	watching       bool
	pressed        bool
	pressedAt      time.Time
	lastTransition time.Time
	longFired      bool
}

func NewButton(line ButtonLine, activeLow bool, settle, holdFor time.Duration, logger *log.Logger) *Button {
	var active = 1
	if activeLow {
		active = 0
	}

	return &Button{
		log:         logger.With("sub", "button"),
		line:        line,
		activeLevel: active,
		settle:      settle,
		holdFor:     holdFor,
	}
}

// AttachLine sets the level-read line after the hardware request, which
// needs the button's Edge flag and therefore runs second. Without a line
// no edge ever fires, so Update never reads one.
func (b *Button) AttachLine(line ButtonLine) {
	b.line = line
}

// Update runs one tick of the state machine. It reads the line only while
// an edge has been claimed or a press is being tracked, so the idle path
// costs one atomic load.
func (b *Button) Update(now time.Time) ButtonEvent {
	if b.Edge.TakeAndClear() {
		b.watching = true
	}

	if !b.watching {
		return ButtonNone
	}

	var level, err = b.line.Value()
	if err != nil {
		b.log.Warn("button read failed", "err", err)

		return ButtonNone
	}

	var pressedNow = level == b.activeLevel

	if pressedNow != b.pressed {
		if now.Sub(b.lastTransition) < b.settle {
			return ButtonNone // still settling
		}

		b.lastTransition = now
		b.pressed = pressedNow

		if pressedNow {
			b.pressedAt = now
			b.longFired = false

			return ButtonNone
		}

		// Release. A long press already consumed this gesture.
		if b.longFired {
			return ButtonNone
		}

		return ButtonShortPress
	}

	if b.pressed {
		if !b.longFired && now.Sub(b.pressedAt) >= b.holdFor {
			b.longFired = true
			b.log.Info("long press", "held", now.Sub(b.pressedAt).Round(time.Millisecond))

			return ButtonLongPress
		}

		return ButtonNone
	}

	// Released and settled: stop polling until the next edge.
	if now.Sub(b.lastTransition) >= b.settle {
		b.watching = false
	}

	return ButtonNone
}

// OpenButtonLine requests the input line with both-edge events wired to
// edge. The returned line also serves level reads for Update.
func OpenButtonLine(chip string, offset int, activeLow bool, edge *Flag) (*gpiocdev.Line, error) {
	var opts = []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			edge.Set()
		}),
	}
	if activeLow {
		opts = append(opts, gpiocdev.WithPullUp)
	}

	return gpiocdev.RequestLine(chip, offset, opts...)
}
