package lorgnette

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

const cpufreqGlob = "/sys/devices/system/cpu/cpufreq/policy*/scaling_governor"

// SysfsGovernor switches the cpufreq governor on every policy between a
// normal and a reduced profile.
type SysfsGovernor struct {
	log     *log.Logger
	normal  string
	reduced string
}

func NewSysfsGovernor(normal, reduced string, logger *log.Logger) *SysfsGovernor {
	return &SysfsGovernor{
		log:     logger.With("sub", "power"),
		normal:  normal,
		reduced: reduced,
	}
}

func (g *SysfsGovernor) SetLevel(level ClockLevel) error {
	var governor = g.normal
	if level == ClockReduced {
		governor = g.reduced
	}

	var policies, err = filepath.Glob(cpufreqGlob)
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		return errors.New("no cpufreq policies exposed")
	}

	for _, p := range policies {
		if werr := os.WriteFile(p, []byte(governor), 0644); werr != nil {
			return fmt.Errorf("set governor on %s: %w", filepath.Base(filepath.Dir(p)), werr)
		}
	}

	g.log.Debug("cpu governor", "governor", governor, "policies", len(policies))

	return nil
}

// SysfsVoltage reads the battery divider through an IIO ADC channel's raw
// sysfs file, e.g. /sys/bus/iio/devices/iio:device0/in_voltage0_raw. The
// scale converts the raw count to volts at the ADC pin.
type SysfsVoltage struct {
	path  string
	scale float64
}

func NewSysfsVoltage(path string, scale float64) *SysfsVoltage {
	return &SysfsVoltage{path: path, scale: scale}
}

func (s *SysfsVoltage) ReadVoltage() (float64, error) {
	var b, err = os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("read adc: %w", err)
	}

	var raw, parseErr = strconv.Atoi(strings.TrimSpace(string(b)))
	if parseErr != nil {
		return 0, fmt.Errorf("parse adc reading %q: %w", strings.TrimSpace(string(b)), parseErr)
	}

	return float64(raw) * s.scale, nil
}

// HostSleeper sleeps on a Linux board. A light sleep just yields the loop;
// cpuidle takes the cores down while nothing runs. Deep sleep is an orderly
// power off, which is as far down as a board without a wake-capable PMIC
// goes.
type HostSleeper struct {
	log *log.Logger
}

func NewHostSleeper(logger *log.Logger) *HostSleeper {
	return &HostSleeper{log: logger.With("sub", "power")}
}

func (s *HostSleeper) LightSleep(d time.Duration) error {
	time.Sleep(d)

	return nil
}

func (s *HostSleeper) DeepSleep() error {
	s.log.Info("powering off")
	unix.Sync()

	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
		return fmt.Errorf("power off: %w", err)
	}

	return nil
}

// RebootRestarter reboots the board, which comes back up on the committed
// image.
type RebootRestarter struct {
	log *log.Logger
}

func NewRebootRestarter(logger *log.Logger) *RebootRestarter {
	return &RebootRestarter{log: logger.With("sub", "upgrade")}
}

func (r *RebootRestarter) Restart() error {
	r.log.Info("rebooting")
	unix.Sync()

	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}

	return nil
}
