package lorgnette

import (
	"time"

	"github.com/charmbracelet/log"
)

// VoltageSource reads the divided-down battery voltage at the ADC pin,
// in volts.
type VoltageSource interface {
	ReadVoltage() (float64, error)
}

// BatteryConfig calibrates the pack measurement.
type BatteryConfig struct {
	CheckEvery   time.Duration // cadence of full measurements
	Samples      int           // readings averaged per measurement
	SampleGap    time.Duration // pause between readings
	DividerRatio float64       // pin volts -> pack volts
	ClampMin     float64       // sane pack voltage floor
	ClampMax     float64       // sane pack voltage ceiling
	EmptyVolts   float64       // 0%
	FullVolts    float64       // 100%
}

// BatteryMonitor turns noisy ADC readings into a stable percentage. Each
// measurement averages several samples, maps linearly between the empty and
// full voltages, and large jumps are walked toward in small steps so the
// reported level never leaps around under load spikes.
type BatteryMonitor struct {
	log   *log.Logger
	src   VoltageSource
	cfg   BatteryConfig
	sleep func(time.Duration)

	level     int // -1 until the first good measurement
	lastCheck time.Time
}

func NewBatteryMonitor(cfg BatteryConfig, src VoltageSource, logger *log.Logger) *BatteryMonitor {
	return &BatteryMonitor{
		log:   logger.With("sub", "battery"),
		src:   src,
		cfg:   cfg,
		sleep: time.Sleep,
		level: -1,
	}
}

// Level returns the last reported percentage, 0 before any measurement.
func (m *BatteryMonitor) Level() byte {
	if m.level < 0 {
		return 0
	}

	return byte(m.level)
}

// Measured reports whether at least one measurement round has completed.
func (m *BatteryMonitor) Measured() bool {
	return m.level >= 0
}

// Update runs a measurement when one is due. It returns the level and
// whether it changed (which is when the link should be notified). A failed
// reading skips the whole round; the next one is a full interval away.
func (m *BatteryMonitor) Update(now time.Time) (byte, bool) {
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.cfg.CheckEvery {
		return m.Level(), false
	}
	m.lastCheck = now

	var sum float64
	for i := 0; i < m.cfg.Samples; i++ {
		var v, err = m.src.ReadVoltage()
		if err != nil {
			m.log.Warn("voltage read failed", "err", err)

			return m.Level(), false
		}

		sum += v

		if i < m.cfg.Samples-1 {
			m.sleep(m.cfg.SampleGap)
		}
	}

	var volts = sum / float64(m.cfg.Samples) * m.cfg.DividerRatio
	if volts < m.cfg.ClampMin {
		volts = m.cfg.ClampMin
	}
	if volts > m.cfg.ClampMax {
		volts = m.cfg.ClampMax
	}

	var pct = (volts - m.cfg.EmptyVolts) / (m.cfg.FullVolts - m.cfg.EmptyVolts) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	var target = int(pct + 0.5)

	var prev = m.level
	switch {
	case m.level < 0:
		m.level = target
	case target-m.level > 5:
		m.level += 2
	case m.level-target > 5:
		m.level -= 2
	default:
		m.level = target
	}

	if m.level != prev {
		m.log.Debug("battery", "volts", volts, "level", m.level, "target", target)

		return byte(m.level), true
	}

	return byte(m.level), false
}
