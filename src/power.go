package lorgnette

import (
	"time"

	"github.com/charmbracelet/log"
)

// ClockLevel is the CPU clock request passed to the governor.
type ClockLevel int

const (
	ClockNormal ClockLevel = iota
	ClockReduced
)

func (c ClockLevel) String() string {
	if c == ClockReduced {
		return "reduced"
	}

	return "normal"
}

// PowerState is the scheduler's position in the power model.
type PowerState int

const (
	PowerActive PowerState = iota
	PowerSave
	PowerLightSleep
	PowerDeepSleep
)

func (s PowerState) String() string {
	switch s {
	case PowerActive:
		return "active"
	case PowerSave:
		return "power-save"
	case PowerLightSleep:
		return "light-sleep"
	case PowerDeepSleep:
		return "deep-sleep"
	}

	return "unknown"
}

// CPUGovernor applies a clock level to the hardware.
type CPUGovernor interface {
	SetLevel(level ClockLevel) error
}

// Sleeper performs the actual sleep entry. LightSleep returns on wake;
// DeepSleep does not return on real hardware.
type Sleeper interface {
	LightSleep(d time.Duration) error
	DeepSleep() error
}

// PowerConfig carries the idle model thresholds.
type PowerConfig struct {
	IdleToSave        time.Duration // no peer, no transfer, then reduce clock
	LightSleepMinIdle time.Duration // quiet time required before a micro-sleep
	LightSleepMinLead time.Duration // next capture must be at least this far out
	LightSleepMargin  time.Duration // woken this long before the capture is due
	LightSleepMax     time.Duration // cap on one micro-sleep
}

// PowerScheduler owns the clock level and sleep depth. It is driven once
// per tick and is the only mutator of the power state; everything else
// reads it to decide whether to yield work.
type PowerScheduler struct {
	log     *log.Logger
	gov     CPUGovernor
	sleeper Sleeper
	cfg     PowerConfig

	state        PowerState
	lastActivity time.Time
}

func NewPowerScheduler(cfg PowerConfig, gov CPUGovernor, sleeper Sleeper, now time.Time, logger *log.Logger) *PowerScheduler {
	return &PowerScheduler{
		log:          logger.With("sub", "power"),
		gov:          gov,
		sleeper:      sleeper,
		cfg:          cfg,
		state:        PowerActive,
		lastActivity: now,
	}
}

func (s *PowerScheduler) State() PowerState {
	return s.state
}

// MarkActivity records user or link activity, which holds off power-save
// and wakes the scheduler out of it on the next tick.
func (s *PowerScheduler) MarkActivity(now time.Time) {
	s.lastActivity = now
}

func (s *PowerScheduler) Idle(now time.Time) time.Duration {
	return now.Sub(s.lastActivity)
}

// Tick evaluates the ACTIVE/POWER_SAVE transition. Power-save needs no
// peer, no transfer in flight, and a long quiet spell; any connection,
// transfer, or fresh activity restores the full clock.
func (s *PowerScheduler) Tick(now time.Time, connected, transferActive bool) {
	switch s.state {
	case PowerActive:
		if connected || transferActive {
			return
		}
		if s.Idle(now) <= s.cfg.IdleToSave {
			return
		}

		if err := s.gov.SetLevel(ClockReduced); err != nil {
			s.log.Error("clock reduce failed", "err", err)

			return
		}

		s.state = PowerSave
		s.log.Info("entering power save", "idle", s.Idle(now).Round(time.Second))

	case PowerSave:
		if !connected && !transferActive && s.Idle(now) > s.cfg.IdleToSave {
			return
		}

		if err := s.gov.SetLevel(ClockNormal); err != nil {
			s.log.Error("clock restore failed", "err", err)

			return
		}

		s.state = PowerActive
		s.log.Info("leaving power save")

	case PowerLightSleep, PowerDeepSleep:
		// LightSleep is only held during the sleeper call; DeepSleep is
		// terminal until a hardware wake.
	}
}

// MaybeLightSleep enters a timed micro-sleep when conditions allow: a peer
// is connected (timed wakes still get serviced), no image upload is in
// flight, the device has been quiet for a spell, and the next capture is
// far enough out. Returns the duration slept, zero when no sleep happened.
//
// timeToNext is the delay until the next scheduled capture; captureDue
// false means nothing is scheduled and the sleep is bounded only by the
// configured cap.
func (s *PowerScheduler) MaybeLightSleep(now time.Time, connected, uploading bool, timeToNext time.Duration, captureDue bool) time.Duration {
	if s.state == PowerDeepSleep {
		return 0
	}
	if !connected || uploading {
		return 0
	}
	if s.Idle(now) < s.cfg.LightSleepMinIdle {
		return 0
	}

	var d = s.cfg.LightSleepMax
	if captureDue {
		if timeToNext <= s.cfg.LightSleepMinLead {
			return 0
		}

		d = min(timeToNext-s.cfg.LightSleepMargin, s.cfg.LightSleepMax)
	}

	if d <= 0 {
		return 0
	}

	var prev = s.state
	s.state = PowerLightSleep

	if err := s.sleeper.LightSleep(d); err != nil {
		s.state = prev
		s.log.Error("light sleep failed", "err", err)

		return 0
	}

	s.state = prev
	s.lastActivity = now.Add(d) // woke just now; restart the idle clock
	s.log.Debug("light sleep", "slept", d)

	return d
}

// EnterDeepSleep is terminal. The caller quiesces every subsystem first;
// this only flips the state and hands off to the hardware.
func (s *PowerScheduler) EnterDeepSleep() {
	if s.state == PowerDeepSleep {
		return
	}

	s.state = PowerDeepSleep
	s.log.Info("entering deep sleep")

	if err := s.sleeper.DeepSleep(); err != nil {
		s.log.Error("deep sleep entry failed", "err", err)
	}
}
