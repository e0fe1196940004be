package lorgnette

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evAudioSubscribe
	evPhotoControl
	evUpgradeCommand
)

func (k eventKind) String() string {
	switch k {
	case evConnect:
		return "connect"
	case evDisconnect:
		return "disconnect"
	case evAudioSubscribe:
		return "audio-subscribe"
	case evPhotoControl:
		return "photo-control"
	case evUpgradeCommand:
		return "upgrade-command"
	}

	return "unknown"
}

// linkEvent carries one transport callback onto the tick goroutine.
type linkEvent struct {
	kind    eventKind
	enabled bool
	control byte
	data    []byte
}

// DeviceTiming sets the tick cadence. The loop runs fast while the device
// is fully active and slows down in power save, where nothing is
// latency-sensitive.
type DeviceTiming struct {
	TickActive    time.Duration
	TickIdle      time.Duration
	StateLogEvery time.Duration // zero disables the periodic state line
}

// DeviceParts bundles the subsystems the device loop drives. MicStart and
// MicStop bracket the capture source around audio subscriptions and may be
// nil when samples arrive some other way.
type DeviceParts struct {
	Link     Link
	Audio    *AudioPipeline
	Mux      *LinkMultiplexer
	Power    *PowerScheduler
	Battery  *BatteryMonitor
	Button   *Button
	LED      *StatusLED
	Capture  *CaptureScheduler
	Upgrade  *UpgradeCoordinator
	Trace    *EventTrace // nil disables event tracing
	MicStart func() error
	MicStop  func()
	Info     DeviceInfo
}

// SystemState is a point-in-time snapshot for diagnostics.
type SystemState struct {
	Connected       bool
	AudioStreaming  bool
	TransferActive  bool
	Power           PowerState
	Battery         byte
	UpgradeStatus   UpgradeStatus
	UpgradeProgress byte
	Audio           AudioStats
	Mux             MuxStats
}

// Device is the composition root: one goroutine ticking every subsystem in
// a fixed order. Transports post their callbacks onto an event channel and
// the tick drains it first, so all state below the channel is owned by the
// tick goroutine alone.
//
// Tick order matters: the button is read before anything else so a
// long-press shutdown preempts the tick, and the light-sleep opportunity
// comes last so it sees the tick's final idea of what is in flight.
type Device struct {
	log    *log.Logger
	timing DeviceTiming

	link    Link
	audio   *AudioPipeline
	mux     *LinkMultiplexer
	power   *PowerScheduler
	battery *BatteryMonitor
	button  *Button
	led     *StatusLED
	capture *CaptureScheduler
	upgrade *UpgradeCoordinator
	trace   *EventTrace

	micStart func() error
	micStop  func()
	info     DeviceInfo

	events       chan linkEvent
	streaming    bool
	wasConnected bool
	lastStateLog time.Time
}

func NewDevice(timing DeviceTiming, parts DeviceParts, logger *log.Logger) *Device {
	var d = &Device{
		log:      logger.With("sub", "device"),
		timing:   timing,
		link:     parts.Link,
		audio:    parts.Audio,
		mux:      parts.Mux,
		power:    parts.Power,
		battery:  parts.Battery,
		button:   parts.Button,
		led:      parts.LED,
		capture:  parts.Capture,
		upgrade:  parts.Upgrade,
		trace:    parts.Trace,
		micStart: parts.MicStart,
		micStop:  parts.MicStop,
		info:     parts.Info,
		events:   make(chan linkEvent, 32),
	}

	d.upgrade.SetNotifier(d.notifyUpgrade)
	d.upgrade.SetLinkShutdown(func() {
		if err := d.link.Close(); err != nil {
			d.log.Warn("link close before restart", "err", err)
		}
	})

	return d
}

// OnConnect implements LinkEvents; called from transport goroutines.
func (d *Device) OnConnect() {
	d.post(linkEvent{kind: evConnect})
}

func (d *Device) OnDisconnect() {
	d.post(linkEvent{kind: evDisconnect})
}

func (d *Device) OnAudioSubscribe(enabled bool) {
	d.post(linkEvent{kind: evAudioSubscribe, enabled: enabled})
}

func (d *Device) OnPhotoControl(control byte) {
	d.post(linkEvent{kind: evPhotoControl, control: control})
}

func (d *Device) OnUpgradeCommand(data []byte) {
	d.post(linkEvent{kind: evUpgradeCommand, data: append([]byte(nil), data...)})
}

func (d *Device) post(ev linkEvent) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("link event dropped", "kind", ev.kind)
	}
}

func (d *Device) notifyUpgrade(status UpgradeStatus, progress byte) {
	d.traceEvent("upgrade", fmt.Sprintf("status=%s progress=%d", status, progress))

	if err := d.link.NotifyUpgrade(BuildUpgradeStatus(status, progress)); err != nil {
		d.log.Debug("upgrade status dropped", "status", status, "err", err)
	}
}

// traceEvent records to the event trace when one is wired in. Safe from
// any goroutine.
func (d *Device) traceEvent(event, detail string) {
	if d.trace != nil {
		d.trace.Event(event, detail)
	}
}

// Run drives the tick loop until the context is canceled or a long press
// shuts the device down.
func (d *Device) Run(ctx context.Context) error {
	d.log.Info("boot",
		"model", d.info.Model,
		"firmware", d.info.FirmwareRev,
		"codec", d.info.CodecID)
	d.led.PlayBoot()

	for {
		var interval = d.timing.TickActive
		if d.power.State() != PowerActive {
			interval = d.timing.TickIdle
		}

		select {
		case <-ctx.Done():
			d.quiesce()

			return nil
		case <-time.After(interval):
		}

		if !d.tick(ctx, time.Now()) {
			return nil
		}
	}
}

// tick runs one pass over every subsystem. Returns false when the device
// has shut down.
func (d *Device) tick(ctx context.Context, now time.Time) bool {
	d.applyEvents(now)

	switch d.button.Update(now) {
	case ButtonLongPress:
		d.shutdown()

		return false
	case ButtonShortPress:
		d.power.MarkActivity(now)
	}

	var connected = d.link.Connected()
	if connected != d.wasConnected {
		d.onLinkChange(now, connected)
	}

	d.led.Tick(now, connected)

	if d.streaming && connected {
		d.audio.Tick()
	}

	if connected {
		d.mux.Tick()
	}

	var transferActive = d.mux.ImageActive() || d.upgrade.Busy()
	d.power.Tick(now, connected, transferActive)

	if level, changed := d.battery.Update(now); changed {
		d.traceEvent("battery", fmt.Sprintf("level=%d", level))

		if connected {
			if err := d.link.NotifyBattery(level); err != nil {
				d.log.Debug("battery notify dropped", "err", err)
			}
		}
	}

	if connected && !transferActive && d.capture.Due(now) {
		if asset := d.capture.Capture(ctx, now); asset != nil {
			if err := d.mux.StartImage(asset); err != nil {
				d.log.Warn("image dropped", "err", err)
			} else {
				d.traceEvent("image", fmt.Sprintf("id=%s bytes=%d", asset.ID, len(asset.Data)))
				d.power.MarkActivity(now)
			}
		}
	}

	d.maybeLogState(now, connected)

	// Tail of the tick: everything above has settled, so this is the one
	// safe moment to give the cycle up to a micro-sleep.
	var timeToNext, scheduled = d.capture.TimeToNext(now)
	var busy = d.mux.ImageActive() || d.upgrade.Busy() || d.streaming
	d.power.MaybeLightSleep(now, connected, busy, timeToNext, scheduled)

	return true
}

func (d *Device) applyEvents(now time.Time) {
	for {
		select {
		case ev := <-d.events:
			d.applyEvent(now, ev)
		default:
			return
		}
	}
}

func (d *Device) applyEvent(now time.Time, ev linkEvent) {
	d.power.MarkActivity(now)

	switch ev.kind {
	case evConnect:
		// Connection state is polled from the link each tick; the event
		// only counts as activity.

	case evDisconnect:
		// A client superseding another never dips the polled state, so
		// the session is torn down on the event as well as on the edge.
		d.stopStreaming()
		d.mux.DropImage()

	case evAudioSubscribe:
		if ev.enabled {
			d.startStreaming()
		} else {
			d.stopStreaming()
		}

	case evPhotoControl:
		var req, seconds, err = ParsePhotoControl(ev.control)
		if err != nil {
			d.log.Warn("photo control ignored", "err", err)

			return
		}

		d.capture.Control(req, seconds)

	case evUpgradeCommand:
		var cmd, err = ParseUpgradeCommand(ev.data)
		if err != nil {
			d.log.Warn("upgrade command ignored", "err", err)

			return
		}

		d.upgrade.HandleCommand(cmd)
	}
}

// onLinkChange reacts to the polled connection state flipping. A
// disconnect tears down everything the peer was driving; nothing survives
// to the next connection.
func (d *Device) onLinkChange(now time.Time, connected bool) {
	d.wasConnected = connected
	d.power.MarkActivity(now)

	if connected {
		d.log.Info("peer connected")
		d.traceEvent("connect", "")

		if d.battery.Measured() {
			if err := d.link.NotifyBattery(d.battery.Level()); err != nil {
				d.log.Debug("battery notify dropped", "err", err)
			}
		}

		return
	}

	d.log.Info("peer disconnected")
	d.traceEvent("disconnect", "")
	d.stopStreaming()
	d.mux.DropImage()
}

func (d *Device) startStreaming() {
	if d.streaming {
		return
	}

	if d.micStart != nil {
		if err := d.micStart(); err != nil {
			d.log.Error("mic start failed", "err", err)

			return
		}
	}

	d.streaming = true
	d.log.Info("audio streaming on")
	d.traceEvent("audio", "on")
}

func (d *Device) stopStreaming() {
	if !d.streaming {
		return
	}

	if d.micStop != nil {
		d.micStop()
	}

	d.audio.Flush()
	d.streaming = false
	d.log.Info("audio streaming off")
	d.traceEvent("audio", "off")
}

// shutdown is the long-press path: user feedback first, then teardown,
// then the terminal sleep.
func (d *Device) shutdown() {
	d.log.Info("shutdown requested")
	d.traceEvent("shutdown", "long press")
	d.led.PlayShutdown()
	d.quiesce()
	d.power.EnterDeepSleep()
}

func (d *Device) quiesce() {
	d.log.Info("stopping")
	d.stopStreaming()
	d.mux.DropImage()
	d.capture.Quiesce()
	d.upgrade.Cancel()
	d.upgrade.Wait()

	if err := d.link.Close(); err != nil {
		d.log.Warn("link close", "err", err)
	}
}

func (d *Device) maybeLogState(now time.Time, connected bool) {
	if d.timing.StateLogEvery <= 0 {
		return
	}
	if !d.lastStateLog.IsZero() && now.Sub(d.lastStateLog) < d.timing.StateLogEvery {
		return
	}
	d.lastStateLog = now

	var s = d.Snapshot()
	d.log.Debug("state",
		"connected", connected,
		"streaming", s.AudioStreaming,
		"transfer", s.TransferActive,
		"power", s.Power,
		"battery", s.Battery,
		"upgrade", s.UpgradeStatus,
		"audio_sent", s.Audio.FramesEncoded,
		"audio_dropped", s.Audio.PacketsDropped,
		"chunks_sent", s.Mux.ImageChunksSent)
}

// Snapshot reads the device's current state. Only safe from the tick
// goroutine (or between ticks in tests).
func (d *Device) Snapshot() SystemState {
	var status, progress = d.upgrade.Status()

	return SystemState{
		Connected:       d.link.Connected(),
		AudioStreaming:  d.streaming,
		TransferActive:  d.mux.ImageActive() || d.upgrade.Busy(),
		Power:           d.power.State(),
		Battery:         d.battery.Level(),
		UpgradeStatus:   status,
		UpgradeProgress: progress,
		Audio:           d.audio.Stats(),
		Mux:             d.mux.Stats(),
	}
}
