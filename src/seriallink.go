package lorgnette

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"
)

const (
	// Poll interval for the serial reader. Bounds how long Close waits
	// for the read goroutine.
	serialReadTimeout = 100 * time.Millisecond

	// A pseudo-terminal whose far end is gone reads as instantly empty,
	// same as a timer expiry. The pause keeps that case from spinning.
	serialIdlePause = 20 * time.Millisecond
)

// SerialLink serves the link protocol over a serial line or
// pseudo-terminal. A serial line carries no connection state, so the peer
// counts as connected from its first inbound frame, which is answered
// with the device info frame. A vanished peer is noticed on the next
// write; reads cannot tell the difference.
type SerialLink struct {
	log    *log.Logger
	events LinkEvents
	info   DeviceInfo

	port *term.Term
	wg   sync.WaitGroup

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewSerialLink opens device in raw mode and starts the reader. A baud of
// zero leaves the line speed alone, which is the right choice for
// pseudo-terminals.
func NewSerialLink(device string, baud int, info DeviceInfo, events LinkEvents, logger *log.Logger) (*SerialLink, error) {
	var port, err = term.Open(device, term.RawMode, term.ReadTimeout(serialReadTimeout))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}

	switch baud {
	case 0:
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		if serr := port.SetSpeed(baud); serr != nil {
			port.Close()

			return nil, fmt.Errorf("set speed %d on %s: %w", baud, device, serr)
		}
	default:
		port.Close()

		return nil, fmt.Errorf("unsupported serial speed %d", baud)
	}

	var l = &SerialLink{
		log:    logger.With("sub", "serial"),
		events: events,
		info:   info,
		port:   port,
	}

	l.log.Info("listening", "device", device, "baud", baud)

	l.wg.Add(1)
	go l.readLoop()

	return l, nil
}

func (l *SerialLink) readLoop() {
	defer l.wg.Done()

	var dec FrameDecoder
	var buf = make([]byte, 512)

	for {
		l.mu.Lock()
		var closed = l.closed
		l.mu.Unlock()

		if closed {
			return
		}

		var n, err = l.port.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n], l.dispatch)
		}

		if err != nil {
			l.dropPeer("serial read failed", err)

			// The line may come back; a real device reappearing starts
			// a fresh session with its next frame.
			time.Sleep(serialReadTimeout)

			continue
		}

		if n == 0 {
			time.Sleep(serialIdlePause)
		}
	}
}

func (l *SerialLink) dispatch(frame []byte) {
	l.markConnected()

	var channel, payload = frame[0], frame[1:]

	switch channel {
	case ChanAudioSubscribe:
		if len(payload) < 1 {
			return
		}

		l.events.OnAudioSubscribe(payload[0] != 0)

	case ChanPhotoControl:
		if len(payload) < 1 {
			return
		}

		l.events.OnPhotoControl(payload[0])

	case ChanUpgradeControl:
		l.events.OnUpgradeCommand(payload)

	default:
		l.log.Debug("frame on unexpected channel", "channel", channel, "len", len(payload))
	}
}

// markConnected flips the link up on the first inbound frame and serves
// the device info frame before the triggering frame is acted on.
func (l *SerialLink) markConnected() {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()

		return
	}
	l.connected = true
	l.mu.Unlock()

	l.log.Info("peer active")
	l.events.OnConnect()

	if err := l.send(ChanDeviceInfo, EncodeDeviceInfo(l.info)); err != nil {
		l.log.Warn("device info write failed", "err", err)
	}
}

// dropPeer marks the link down once per outage. Reported against reads
// and writes both; whichever fails first wins.
func (l *SerialLink) dropPeer(msg string, err error) {
	l.mu.Lock()
	var wasConnected = l.connected && !l.closed
	l.connected = false
	l.mu.Unlock()

	if wasConnected {
		l.log.Warn(msg, "err", err)
		l.events.OnDisconnect()
	}
}

func (l *SerialLink) send(channel byte, payload []byte) error {
	l.mu.Lock()
	if l.closed || !l.connected {
		l.mu.Unlock()

		return errNotConnected
	}

	var _, err = l.port.Write(EncodeFrame(channel, payload))
	l.mu.Unlock()

	if err != nil {
		l.dropPeer("serial write failed", err)
	}

	return err
}

func (l *SerialLink) NotifyAudio(pkt []byte) error {
	return l.send(ChanAudio, pkt)
}

func (l *SerialLink) NotifyPhoto(pkt []byte) error {
	return l.send(ChanPhoto, pkt)
}

func (l *SerialLink) NotifyUpgrade(status []byte) error {
	return l.send(ChanUpgradeStatus, status)
}

func (l *SerialLink) NotifyBattery(level byte) error {
	return l.send(ChanBattery, []byte{level})
}

func (l *SerialLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.connected
}

// Close waits for the reader to park, then releases the port. Safe to
// call more than once.
func (l *SerialLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()

		return nil
	}
	l.closed = true
	l.connected = false
	l.mu.Unlock()

	l.wg.Wait()

	return l.port.Close()
}
