package lorgnette

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/warthog618/go-gpiocdev"
)

// LEDMode mirrors what the status LED is currently showing.
type LEDMode int

const (
	LEDBoot LEDMode = iota
	LEDNormal
	LEDShutdown
)

// LEDLine is the write surface of a GPIO output line.
type LEDLine interface {
	SetValue(value int) error
}

// StatusLED drives the single status LED: a boot flourish at power-on, a
// short farewell before deep sleep, and in between solid when a peer is
// connected, a slow blink when not.
type StatusLED struct {
	log   *log.Logger
	line  LEDLine
	sleep func(time.Duration)

	mode       LEDMode
	on         bool
	lastToggle time.Time
}

func NewStatusLED(line LEDLine, logger *log.Logger) *StatusLED {
	return &StatusLED{
		log:   logger.With("sub", "led"),
		line:  line,
		sleep: time.Sleep,
	}
}

func (l *StatusLED) Mode() LEDMode {
	return l.mode
}

func (l *StatusLED) set(on bool) {
	var v = 0
	if on {
		v = 1
	}

	if err := l.line.SetValue(v); err != nil {
		l.log.Warn("led write failed", "err", err)

		return
	}

	l.on = on
}

// Tick drives the steady-state pattern.
func (l *StatusLED) Tick(now time.Time, connected bool) {
	if l.mode != LEDNormal {
		return
	}

	if connected {
		if !l.on {
			l.set(true)
		}

		return
	}

	if now.Sub(l.lastToggle) >= time.Second {
		l.lastToggle = now
		l.set(!l.on)
	}
}

// PlayBoot blocks through the power-on pattern: five quick blinks.
func (l *StatusLED) PlayBoot() {
	l.mode = LEDBoot
	l.play(5, 150*time.Millisecond)
	l.mode = LEDNormal
}

// PlayShutdown blocks through the power-off pattern: two slow blinks,
// ending dark.
func (l *StatusLED) PlayShutdown() {
	l.mode = LEDShutdown
	l.play(2, 200*time.Millisecond)
}

func (l *StatusLED) play(blinks int, phase time.Duration) {
	for i := 0; i < blinks; i++ {
		l.set(true)
		l.sleep(phase)
		l.set(false)
		l.sleep(phase)
	}
}

// OpenLEDLine requests the status LED output line, initially off.
func OpenLEDLine(chip string, offset int) (*gpiocdev.Line, error) {
	return gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
}
