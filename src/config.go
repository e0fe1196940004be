package lorgnette

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "45s" or "20ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	var parsed, err = time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type DeviceSettings struct {
	Manufacturer  string   `yaml:"manufacturer"`
	Model         string   `yaml:"model"`
	TickActive    Duration `yaml:"tick_active"`
	TickIdle      Duration `yaml:"tick_idle"`
	StateLogEvery Duration `yaml:"state_log_every"`
}

type AudioSettings struct {
	Device         string `yaml:"device"`          // capture device, empty for the default
	SampleRate     int    `yaml:"sample_rate"`     // Hz, mono 16-bit
	FrameSamples   int    `yaml:"frame_samples"`   // samples per codec frame
	CaptureSamples int    `yaml:"capture_samples"` // capture ring size in samples
	MaxPacket      int    `yaml:"max_packet"`      // encoded packet ceiling in bytes
	TxRing         int    `yaml:"tx_ring"`         // encoded ring size in bytes
	Bitrate        int    `yaml:"bitrate"`         // codec target, bits per second
	GainShift      int    `yaml:"gain_shift"`      // left shift applied to raw samples
}

type LinkSettings struct {
	TCPListen   string `yaml:"tcp_listen"`  // empty disables the TCP transport
	Serial      string `yaml:"serial"`      // device path, empty disables
	SerialBaud  int    `yaml:"serial_baud"` // zero leaves the line speed alone
	WSListen    string `yaml:"ws_listen"`   // empty disables the WebSocket transport
	Advertise   bool   `yaml:"advertise"`   // mDNS service advertisement
	Instance    string `yaml:"instance"`    // advertised instance name
	ChunkBudget int    `yaml:"chunk_budget"`
}

type PowerSettings struct {
	IdleToSave        Duration `yaml:"idle_to_save"`
	LightSleepMinIdle Duration `yaml:"light_sleep_min_idle"`
	LightSleepMinLead Duration `yaml:"light_sleep_min_lead"`
	LightSleepMargin  Duration `yaml:"light_sleep_margin"`
	LightSleepMax     Duration `yaml:"light_sleep_max"`
	GovernorNormal    string   `yaml:"governor_normal"`  // cpufreq governor at full clock
	GovernorReduced   string   `yaml:"governor_reduced"` // cpufreq governor in power save
}

type BatterySettings struct {
	ADCPath      string   `yaml:"adc_path"`  // IIO raw voltage file, empty falls back to a modeled pack
	ADCScale     float64  `yaml:"adc_scale"` // volts per LSB of the raw reading
	CheckEvery   Duration `yaml:"check_every"`
	Samples      int      `yaml:"samples"`
	SampleGap    Duration `yaml:"sample_gap"`
	DividerRatio float64  `yaml:"divider_ratio"`
	ClampMin     float64  `yaml:"clamp_min"`
	ClampMax     float64  `yaml:"clamp_max"`
	EmptyVolts   float64  `yaml:"empty_volts"`
	FullVolts    float64  `yaml:"full_volts"`
}

type CameraSettings struct {
	Device      string   `yaml:"device"`
	Interval    Duration `yaml:"interval"` // fixed period for interval mode
	Timeout     Duration `yaml:"timeout"`  // ceiling on one capture
	Orientation uint8    `yaml:"orientation"`
}

type UpgradeSettings struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	HTTPTimeout    Duration `yaml:"http_timeout"`
	ChunkSize      int      `yaml:"chunk_size"`
	ProgressStep   int      `yaml:"progress_step"`
}

type ButtonSettings struct {
	Chip      string   `yaml:"chip"`
	Offset    int      `yaml:"offset"`
	ActiveLow bool     `yaml:"active_low"`
	Settle    Duration `yaml:"settle"`
	Hold      Duration `yaml:"hold"`
}

type LEDSettings struct {
	Chip   string `yaml:"chip"`
	Offset int    `yaml:"offset"`
}

type TraceSettings struct {
	Dir     string `yaml:"dir"`   // empty disables the event trace
	Daily   bool   `yaml:"daily"` // rotate by date instead of one growing file
	Pattern string `yaml:"pattern"`
}

// Config is the full on-disk configuration. Every field has a default, so
// a config file only needs the values it changes.
type Config struct {
	Device  DeviceSettings  `yaml:"device"`
	Audio   AudioSettings   `yaml:"audio"`
	Link    LinkSettings    `yaml:"link"`
	Power   PowerSettings   `yaml:"power"`
	Battery BatterySettings `yaml:"battery"`
	Camera  CameraSettings  `yaml:"camera"`
	Upgrade UpgradeSettings `yaml:"upgrade"`
	Button  ButtonSettings  `yaml:"button"`
	LED     LEDSettings     `yaml:"led"`
	Trace   TraceSettings   `yaml:"trace"`
}

func DefaultConfig() *Config {
	return &Config{
		Device: DeviceSettings{
			Manufacturer:  "lorgnette",
			Model:         "lorgnette-dev",
			TickActive:    Duration(5 * time.Millisecond),
			TickIdle:      Duration(50 * time.Millisecond),
			StateLogEvery: Duration(time.Minute),
		},
		Audio: AudioSettings{
			SampleRate:     16000,
			FrameSamples:   320, // 20 ms at 16 kHz
			CaptureSamples: 8000,
			MaxPacket:      250,
			TxRing:         4096,
			Bitrate:        32000,
			GainShift:      2,
		},
		Link: LinkSettings{
			TCPListen:   ":8700",
			Advertise:   true,
			Instance:    "lorgnette",
			ChunkBudget: 2,
		},
		Power: PowerSettings{
			IdleToSave:        Duration(45 * time.Second),
			LightSleepMinIdle: Duration(5 * time.Second),
			LightSleepMinLead: Duration(10 * time.Second),
			LightSleepMargin:  Duration(5 * time.Second),
			LightSleepMax:     Duration(15 * time.Second),
			GovernorNormal:    "schedutil",
			GovernorReduced:   "powersave",
		},
		Battery: BatterySettings{
			ADCScale:     3.3 / 4096, // 12-bit ADC against a 3.3 V reference
			CheckEvery:   Duration(20 * time.Second),
			Samples:      10,
			SampleGap:    Duration(10 * time.Millisecond),
			DividerRatio: 6.086,
			ClampMin:     2.5,
			ClampMax:     5.0,
			EmptyVolts:   3.2,
			FullVolts:    4.2,
		},
		Camera: CameraSettings{
			Device:   "/dev/video0",
			Interval: Duration(30 * time.Second),
			Timeout:  Duration(3 * time.Second),
		},
		Upgrade: UpgradeSettings{
			ConnectTimeout: Duration(15 * time.Second),
			HTTPTimeout:    Duration(30 * time.Second),
			ChunkSize:      1024,
			ProgressStep:   5,
		},
		Button: ButtonSettings{
			Chip:      "gpiochip0",
			Offset:    17,
			ActiveLow: true,
			Settle:    Duration(50 * time.Millisecond),
			Hold:      Duration(2 * time.Second),
		},
		LED: LEDSettings{
			Chip:   "gpiochip0",
			Offset: 27,
		},
		Trace: TraceSettings{
			Daily:   true,
			Pattern: "%Y-%m-%d.csv",
		},
	}
}

// LoadConfig reads path over the defaults. Unknown keys are an error, so a
// typo fails loudly instead of silently keeping a default.
func LoadConfig(path string) (*Config, error) {
	var cfg = DefaultConfig()

	var f, openErr = os.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("open config: %w", openErr)
	}
	defer f.Close()

	var dec = yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.FrameSamples <= 0 {
		return fmt.Errorf("audio.frame_samples must be positive, got %d", c.Audio.FrameSamples)
	}
	if c.Audio.CaptureSamples <= c.Audio.FrameSamples {
		return fmt.Errorf("audio.capture_samples (%d) must exceed audio.frame_samples (%d)",
			c.Audio.CaptureSamples, c.Audio.FrameSamples)
	}
	if c.Audio.MaxPacket < 1 || c.Audio.MaxPacket > MaxPacketLen {
		return fmt.Errorf("audio.max_packet must be 1..%d, got %d", MaxPacketLen, c.Audio.MaxPacket)
	}
	if c.Audio.TxRing <= c.Audio.MaxPacket+2 {
		return fmt.Errorf("audio.tx_ring (%d) too small for max_packet %d",
			c.Audio.TxRing, c.Audio.MaxPacket)
	}
	if c.Audio.GainShift < 0 || c.Audio.GainShift > 8 {
		return fmt.Errorf("audio.gain_shift must be 0..8, got %d", c.Audio.GainShift)
	}

	if c.Link.ChunkBudget < 1 {
		return fmt.Errorf("link.chunk_budget must be at least 1, got %d", c.Link.ChunkBudget)
	}
	if c.Link.TCPListen == "" && c.Link.Serial == "" && c.Link.WSListen == "" {
		return errors.New("no link transport configured")
	}

	if c.Battery.Samples < 1 {
		return fmt.Errorf("battery.samples must be at least 1, got %d", c.Battery.Samples)
	}
	if c.Battery.FullVolts <= c.Battery.EmptyVolts {
		return fmt.Errorf("battery.full_volts (%.2f) must exceed battery.empty_volts (%.2f)",
			c.Battery.FullVolts, c.Battery.EmptyVolts)
	}
	if c.Battery.ClampMax <= c.Battery.ClampMin {
		return fmt.Errorf("battery.clamp_max (%.2f) must exceed battery.clamp_min (%.2f)",
			c.Battery.ClampMax, c.Battery.ClampMin)
	}
	if c.Battery.DividerRatio <= 0 {
		return fmt.Errorf("battery.divider_ratio must be positive, got %.3f", c.Battery.DividerRatio)
	}
	if c.Battery.ADCPath != "" && c.Battery.ADCScale <= 0 {
		return fmt.Errorf("battery.adc_scale must be positive, got %g", c.Battery.ADCScale)
	}

	if c.Camera.Interval <= 0 {
		return errors.New("camera.interval must be positive")
	}
	if c.Camera.Timeout <= 0 {
		return errors.New("camera.timeout must be positive")
	}

	if c.Upgrade.ChunkSize < 1 {
		return fmt.Errorf("upgrade.chunk_size must be at least 1, got %d", c.Upgrade.ChunkSize)
	}
	if c.Upgrade.ProgressStep < 1 || c.Upgrade.ProgressStep > 100 {
		return fmt.Errorf("upgrade.progress_step must be 1..100, got %d", c.Upgrade.ProgressStep)
	}

	if c.Device.TickActive <= 0 || c.Device.TickIdle <= 0 {
		return errors.New("device tick intervals must be positive")
	}

	if c.Power.GovernorNormal == "" || c.Power.GovernorReduced == "" {
		return errors.New("power governors must be named")
	}

	if c.Button.Hold <= c.Button.Settle {
		return fmt.Errorf("button.hold (%s) must exceed button.settle (%s)",
			time.Duration(c.Button.Hold), time.Duration(c.Button.Settle))
	}

	return nil
}

// Dump writes the configuration as YAML, for --dump-config.
func (c *Config) Dump(w io.Writer) error {
	var enc = yaml.NewEncoder(w)
	defer enc.Close()

	return enc.Encode(c)
}

// Timing maps the device section onto the tick loop's terms.
func (c *Config) Timing() DeviceTiming {
	return DeviceTiming{
		TickActive:    time.Duration(c.Device.TickActive),
		TickIdle:      time.Duration(c.Device.TickIdle),
		StateLogEvery: time.Duration(c.Device.StateLogEvery),
	}
}

func (c *Config) PowerModel() PowerConfig {
	return PowerConfig{
		IdleToSave:        time.Duration(c.Power.IdleToSave),
		LightSleepMinIdle: time.Duration(c.Power.LightSleepMinIdle),
		LightSleepMinLead: time.Duration(c.Power.LightSleepMinLead),
		LightSleepMargin:  time.Duration(c.Power.LightSleepMargin),
		LightSleepMax:     time.Duration(c.Power.LightSleepMax),
	}
}

func (c *Config) BatteryModel() BatteryConfig {
	return BatteryConfig{
		CheckEvery:   time.Duration(c.Battery.CheckEvery),
		Samples:      c.Battery.Samples,
		SampleGap:    time.Duration(c.Battery.SampleGap),
		DividerRatio: c.Battery.DividerRatio,
		ClampMin:     c.Battery.ClampMin,
		ClampMax:     c.Battery.ClampMax,
		EmptyVolts:   c.Battery.EmptyVolts,
		FullVolts:    c.Battery.FullVolts,
	}
}

func (c *Config) UpgradeModel() UpgradeConfig {
	return UpgradeConfig{
		ConnectTimeout: time.Duration(c.Upgrade.ConnectTimeout),
		HTTPTimeout:    time.Duration(c.Upgrade.HTTPTimeout),
		ChunkSize:      c.Upgrade.ChunkSize,
		ProgressStep:   c.Upgrade.ProgressStep,
	}
}
