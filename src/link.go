package lorgnette

import (
	"errors"
)

// Channel identifiers used by the stream transports. On the production
// wireless stack each of these is a characteristic; the development
// transports multiplex them over one connection with a leading channel byte.
const (
	ChanAudio         byte = 0x00
	ChanPhoto         byte = 0x01
	ChanUpgradeStatus byte = 0x02
	ChanBattery       byte = 0x03
	ChanDeviceInfo    byte = 0x04

	ChanPhotoControl   byte = 0x10
	ChanUpgradeControl byte = 0x11
	ChanAudioSubscribe byte = 0x12
)

// Link is the notification surface the core sends through. Implementations
// are transports (TCP, serial, WebSocket, or the production wireless stack);
// the core never depends on which. Notifications are best-effort: an error
// means the payload was not delivered and the caller drops it.
type Link interface {
	NotifyAudio(pkt []byte) error
	NotifyPhoto(pkt []byte) error
	NotifyUpgrade(status []byte) error
	NotifyBattery(level byte) error
	Connected() bool
	Close() error
}

// LinkEvents is what the core registers with a transport: connection
// changes and client writes. Implementations must treat these as
// fire-and-forget posts; handlers run on the device tick, not the caller.
type LinkEvents interface {
	OnConnect()
	OnDisconnect()
	OnAudioSubscribe(enabled bool)
	OnPhotoControl(control byte)
	OnUpgradeCommand(data []byte)
}

// DeviceInfo is served read-only by transports at connection time.
type DeviceInfo struct {
	Manufacturer string
	Model        string
	FirmwareRev  string
	CodecID      byte
}

// EncodeDeviceInfo packs info for the device info channel: the codec
// identifier, then manufacturer, model, and firmware revision as
// length-prefixed strings. A byte length prefix caps each string at 255.
func EncodeDeviceInfo(info DeviceInfo) []byte {
	var out = make([]byte, 0, 4+len(info.Manufacturer)+len(info.Model)+len(info.FirmwareRev))
	out = append(out, info.CodecID)

	for _, s := range []string{info.Manufacturer, info.Model, info.FirmwareRev} {
		if len(s) > 255 {
			s = s[:255]
		}

		out = append(out, byte(len(s)))
		out = append(out, s...)
	}

	return out
}

// ParseDeviceInfo is the inverse of EncodeDeviceInfo, for client-side
// tooling and tests.
func ParseDeviceInfo(b []byte) (DeviceInfo, error) {
	if len(b) < 4 {
		return DeviceInfo{}, ErrMalformed
	}

	var info = DeviceInfo{CodecID: b[0]}
	var rest = b[1:]

	for _, dst := range []*string{&info.Manufacturer, &info.Model, &info.FirmwareRev} {
		if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
			return DeviceInfo{}, ErrMalformed
		}

		*dst = string(rest[1 : 1+rest[0]])
		rest = rest[1+rest[0]:]
	}

	if len(rest) != 0 {
		return DeviceInfo{}, ErrMalformed
	}

	return info, nil
}

var errNotConnected = errors.New("no peer connected")

// FanoutLink presents several transports as one Link. Connected is the OR
// of the parts; notifications go to every connected transport and succeed
// if at least one delivery did.
type FanoutLink struct {
	links []Link
}

func NewFanoutLink(links ...Link) *FanoutLink {
	return &FanoutLink{links: links}
}

// Add registers another transport. Transports need the device as their
// event sink and the device needs its link up front, so the daemon builds
// an empty fanout, then the device, then the transports. Must be called
// before the device loop starts; the set is read without locking afterwards.
func (f *FanoutLink) Add(l Link) {
	f.links = append(f.links, l)
}

func (f *FanoutLink) Connected() bool {
	for _, l := range f.links {
		if l.Connected() {
			return true
		}
	}

	return false
}

func (f *FanoutLink) each(send func(Link) error) error {
	var delivered = false
	var lastErr error

	for _, l := range f.links {
		if !l.Connected() {
			continue
		}

		if err := send(l); err != nil {
			lastErr = err

			continue
		}

		delivered = true
	}

	if delivered {
		return nil
	}

	if lastErr != nil {
		return lastErr
	}

	return errNotConnected
}

func (f *FanoutLink) NotifyAudio(pkt []byte) error {
	return f.each(func(l Link) error { return l.NotifyAudio(pkt) })
}

func (f *FanoutLink) NotifyPhoto(pkt []byte) error {
	return f.each(func(l Link) error { return l.NotifyPhoto(pkt) })
}

func (f *FanoutLink) NotifyUpgrade(status []byte) error {
	return f.each(func(l Link) error { return l.NotifyUpgrade(status) })
}

func (f *FanoutLink) NotifyBattery(level byte) error {
	return f.each(func(l Link) error { return l.NotifyBattery(level) })
}

func (f *FanoutLink) Close() error {
	var errs []error
	for _, l := range f.links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
