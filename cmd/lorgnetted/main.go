package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	lorgnette "lorgnette/src"
)

func main() {
	var configFileName = pflag.StringP("config-file", "c", "", "Configuration file name.  Built-in defaults apply when empty.")
	var logLevel = pflag.StringP("log-level", "l", "info", "Log level: debug, info, warn, error.")
	var simulate = pflag.BoolP("simulate", "S", false, "Run with simulated hardware: tone source, test card camera, modeled battery.")
	var traceDir = pflag.StringP("trace-dir", "t", "", "Write an event trace CSV to this directory.")
	var dumpConfig = pflag.BoolP("dump-config", "D", false, "Print the effective configuration as YAML and exit.")
	var showVersion = pflag.BoolP("version", "v", false, "Print version and exit.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - wearable capture device daemon.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "The daemon streams microphone audio and camera captures to one\n")
		fmt.Fprintf(os.Stderr, "connected companion app over TCP, serial, or WebSocket, and accepts\n")
		fmt.Fprintf(os.Stderr, "photo and firmware upgrade commands back.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Example:  lorgnetted -S -l debug\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "    Run on a desk with no capture or GPIO hardware at all.\n")
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(1)
	}

	if *showVersion {
		lorgnette.PrintVersion(false)
		os.Exit(0)
	}

	var cfg *lorgnette.Config
	if *configFileName == "" {
		cfg = lorgnette.DefaultConfig()
	} else {
		var err error

		cfg, err = lorgnette.LoadConfig(*configFileName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	if *traceDir != "" {
		cfg.Trace.Dir = *traceDir
	}

	if *dumpConfig {
		if err := cfg.Dump(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

		os.Exit(0)
	}

	var level, levelErr = log.ParseLevel(*logLevel)
	if levelErr != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", *logLevel, levelErr)
		os.Exit(1)
	}

	var logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           level,
	})

	if err := run(cfg, *simulate, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

// run builds the device from the configuration and drives it until a
// signal arrives. Hardware that fails to open is either fatal (capture
// chain) or degrades to a simulated stand-in (LED, battery) so a half-built
// bench unit still comes up.
func run(cfg *lorgnette.Config, simulate bool, logger *log.Logger) error {
	var now = time.Now()

	// Encoder first: the advertised codec identifier comes from it.
	var enc lorgnette.FrameEncoder
	if simulate {
		enc = lorgnette.NewPCMEncoder(cfg.Audio.FrameSamples, cfg.Audio.MaxPacket)
	} else {
		var opus, err = lorgnette.NewOpusEncoder(cfg.Audio.SampleRate, cfg.Audio.FrameSamples, cfg.Audio.MaxPacket, cfg.Audio.Bitrate)
		if err != nil {
			return fmt.Errorf("opus encoder: %w", err)
		}
		enc = opus
	}

	var info = lorgnette.DeviceInfo{
		Manufacturer: cfg.Device.Manufacturer,
		Model:        cfg.Device.Model,
		FirmwareRev:  lorgnette.FirmwareRevision(),
		CodecID:      enc.CodecID(),
	}

	var tx, txErr = lorgnette.NewPacketRing(cfg.Audio.TxRing)
	if txErr != nil {
		return txErr
	}

	var audio, audioErr = lorgnette.NewAudioPipeline(cfg.Audio.FrameSamples, cfg.Audio.CaptureSamples, enc, tx, logger)
	if audioErr != nil {
		return audioErr
	}

	var micStart func() error
	var micStop func()
	if simulate {
		var mic = lorgnette.NewSimMic(cfg.Audio.SampleRate, cfg.Audio.FrameSamples, 440, audio.OnSamples)
		micStart, micStop = mic.Start, mic.Stop
	} else {
		var mic, micErr = lorgnette.NewMic(cfg.Audio.SampleRate, cfg.Audio.FrameSamples, cfg.Audio.GainShift, audio.OnSamples, logger)
		if micErr != nil {
			return fmt.Errorf("microphone: %w", micErr)
		}
		defer mic.Close()

		micStart, micStop = mic.Start, mic.Stop
	}

	// The transports need the device as their event sink and the device
	// needs its link up front, so the link starts as an empty fanout and
	// the transports attach once the device exists.
	var fan = lorgnette.NewFanoutLink()
	var mux = lorgnette.NewLinkMultiplexer(fan, tx, cfg.Link.ChunkBudget, logger)

	var governor lorgnette.CPUGovernor
	var sleeper lorgnette.Sleeper
	if simulate {
		governor = lorgnette.NewSimGovernor(logger)
		sleeper = lorgnette.NewSimSleeper(logger)
	} else {
		governor = lorgnette.NewSysfsGovernor(cfg.Power.GovernorNormal, cfg.Power.GovernorReduced, logger)
		sleeper = lorgnette.NewHostSleeper(logger)
	}
	var power = lorgnette.NewPowerScheduler(cfg.PowerModel(), governor, sleeper, now, logger)

	var volts lorgnette.VoltageSource
	if !simulate && cfg.Battery.ADCPath != "" {
		volts = lorgnette.NewSysfsVoltage(cfg.Battery.ADCPath, cfg.Battery.ADCScale)
	} else {
		if !simulate {
			logger.Warn("no battery adc configured, using a modeled pack")
		}

		volts = lorgnette.NewSimVoltage(4.2, 3.2, 8*time.Hour, cfg.Battery.DividerRatio)
	}
	var battery = lorgnette.NewBatteryMonitor(cfg.BatteryModel(), volts, logger)

	var button = lorgnette.NewButton(nil, cfg.Button.ActiveLow,
		time.Duration(cfg.Button.Settle), time.Duration(cfg.Button.Hold), logger)
	if !simulate {
		var line, lineErr = lorgnette.OpenButtonLine(cfg.Button.Chip, cfg.Button.Offset, cfg.Button.ActiveLow, &button.Edge)
		if lineErr != nil {
			logger.Warn("button line unavailable", "chip", cfg.Button.Chip, "offset", cfg.Button.Offset, "err", lineErr)
		} else {
			defer line.Close()
			button.AttachLine(line)
		}
	}

	var ledLine lorgnette.LEDLine = lorgnette.NewSimLEDLine(logger)
	if !simulate {
		var line, lineErr = lorgnette.OpenLEDLine(cfg.LED.Chip, cfg.LED.Offset)
		if lineErr != nil {
			logger.Warn("led line unavailable", "chip", cfg.LED.Chip, "offset", cfg.LED.Offset, "err", lineErr)
		} else {
			defer line.Close()
			ledLine = line
		}
	}
	var led = lorgnette.NewStatusLED(ledLine, logger)

	var camera lorgnette.Camera
	if simulate {
		camera = lorgnette.NewSimCamera(cfg.Camera.Orientation, logger)
	} else {
		camera = lorgnette.NewGstCamera(cfg.Camera, logger)
	}
	var capture = lorgnette.NewCaptureScheduler(camera,
		time.Duration(cfg.Camera.Interval), time.Duration(cfg.Camera.Timeout), logger)

	var joiner lorgnette.NetworkJoiner
	var restarter lorgnette.Restarter
	if simulate {
		joiner = lorgnette.NewSimJoiner(logger)
		restarter = lorgnette.NewSimRestarter(logger)
	} else {
		joiner = lorgnette.NewNMJoiner(logger)
		restarter = lorgnette.NewRebootRestarter(logger)
	}

	var exe, exeErr = os.Executable()
	if exeErr != nil {
		return fmt.Errorf("resolve executable: %w", exeErr)
	}
	var upgrade = lorgnette.NewUpgradeCoordinator(cfg.UpgradeModel(),
		joiner, lorgnette.NewFileFlash(exe, logger), restarter, logger)

	var trace *lorgnette.EventTrace
	if cfg.Trace.Dir != "" {
		var traceErr error

		trace, traceErr = lorgnette.NewEventTrace(cfg.Trace, logger)
		if traceErr != nil {
			logger.Warn("event trace unavailable", "dir", cfg.Trace.Dir, "err", traceErr)
		} else {
			defer trace.Close()
		}
	}

	var device = lorgnette.NewDevice(cfg.Timing(), lorgnette.DeviceParts{
		Link:     fan,
		Audio:    audio,
		Mux:      mux,
		Power:    power,
		Battery:  battery,
		Button:   button,
		LED:      led,
		Capture:  capture,
		Upgrade:  upgrade,
		Trace:    trace,
		MicStart: micStart,
		MicStop:  micStop,
		Info:     info,
	}, logger)

	if cfg.Link.TCPListen != "" {
		var tcp, tcpErr = lorgnette.NewTCPLink(cfg.Link.TCPListen, info, device, logger)
		if tcpErr != nil {
			return fmt.Errorf("tcp link: %w", tcpErr)
		}
		fan.Add(tcp)

		if cfg.Link.Advertise {
			tcp.Announce(cfg.Link.Instance)
		}
	}

	if cfg.Link.Serial != "" {
		var serial, serialErr = lorgnette.NewSerialLink(cfg.Link.Serial, cfg.Link.SerialBaud, info, device, logger)
		if serialErr != nil {
			return fmt.Errorf("serial link: %w", serialErr)
		}
		fan.Add(serial)
	}

	if cfg.Link.WSListen != "" {
		var ws, wsErr = lorgnette.NewWSLink(cfg.Link.WSListen, info, device, logger)
		if wsErr != nil {
			return fmt.Errorf("websocket link: %w", wsErr)
		}
		fan.Add(ws)
	}

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return device.Run(ctx)
}
