package lorgnette

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// DNS-SD service type announced for the TCP link so desktop tooling can
// find a device on the local network without typing addresses.
const dnssdServiceType = "_lorgnette._tcp"

// TCPLink serves the link protocol over a TCP socket, one client at a
// time. A new connection supersedes the current one: the old client is
// closed, the session is torn down, and the new client starts clean with
// a fresh device info frame.
type TCPLink struct {
	log    *log.Logger
	events LinkEvents
	info   DeviceInfo

	listener net.Listener
	wg       sync.WaitGroup

	mu         sync.Mutex
	conn       net.Conn
	closed     bool
	mdnsCancel context.CancelFunc
}

// NewTCPLink binds addr and starts accepting clients. Pass port zero in
// addr to bind an ephemeral port; Addr reports the one chosen.
func NewTCPLink(addr string, info DeviceInfo, events LinkEvents, logger *log.Logger) (*TCPLink, error) {
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	var l = &TCPLink{
		log:      logger.With("sub", "tcp"),
		events:   events,
		info:     info,
		listener: listener,
	}

	l.log.Info("listening", "addr", listener.Addr())

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Addr returns the bound listen address.
func (l *TCPLink) Addr() net.Addr {
	return l.listener.Addr()
}

// Announce publishes the link over DNS-SD under the given instance name.
// Failures are logged and discovery skipped; the link itself still works.
func (l *TCPLink) Announce(instance string) {
	var addr, ok = l.listener.Addr().(*net.TCPAddr)
	if !ok {
		return
	}

	if instance == "" {
		instance = defaultInstanceName()
	}

	var sv, svErr = dnssd.NewService(dnssd.Config{
		Name: instance,
		Type: dnssdServiceType,
		Port: addr.Port,
	})
	if svErr != nil {
		l.log.Warn("dns-sd service", "err", svErr)

		return
	}

	var rp, rpErr = dnssd.NewResponder()
	if rpErr != nil {
		l.log.Warn("dns-sd responder", "err", rpErr)

		return
	}

	var _, addErr = rp.Add(sv)
	if addErr != nil {
		l.log.Warn("dns-sd add", "err", addErr)

		return
	}

	var ctx, cancel = context.WithCancel(context.Background())

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()

		return
	}
	l.mdnsCancel = cancel
	l.mu.Unlock()

	l.log.Info("announced", "instance", instance, "service", dnssdServiceType, "port", addr.Port)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn("dns-sd responder stopped", "err", err)
		}
	}()
}

func (l *TCPLink) acceptLoop() {
	defer l.wg.Done()

	for {
		var conn, err = l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			var closed = l.closed
			l.mu.Unlock()

			if closed {
				return
			}

			l.log.Warn("accept failed", "err", err)

			continue
		}

		l.attach(conn)
	}
}

func (l *TCPLink) attach(conn net.Conn) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()

		return
	}

	// Device info is written before the connection becomes the active
	// one, so it is always the client's first frame and never
	// interleaves with a notification.
	var _, werr = conn.Write(EncodeFrame(ChanDeviceInfo, EncodeDeviceInfo(l.info)))
	if werr != nil {
		l.mu.Unlock()
		conn.Close()
		l.log.Warn("device info write failed", "err", werr)

		return
	}

	var old = l.conn
	l.conn = conn
	l.mu.Unlock()

	if old != nil {
		old.Close()
		l.log.Info("client superseded", "old", old.RemoteAddr(), "new", conn.RemoteAddr())
		l.events.OnDisconnect()
	} else {
		l.log.Info("client attached", "peer", conn.RemoteAddr())
	}

	l.events.OnConnect()

	l.wg.Add(1)
	go l.readLoop(conn)
}

func (l *TCPLink) readLoop(conn net.Conn) {
	defer l.wg.Done()

	var dec FrameDecoder
	var buf = make([]byte, 1024)

	for {
		var n, err = conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n], l.dispatch)
		}

		if err != nil {
			break
		}
	}

	l.detach(conn)
}

// detach clears conn if it is still the active client. A superseded
// connection finds someone else active here and goes quietly.
func (l *TCPLink) detach(conn net.Conn) {
	l.mu.Lock()
	var active = l.conn == conn
	if active {
		l.conn = nil
	}
	l.mu.Unlock()

	conn.Close()

	if active {
		l.log.Info("client detached", "peer", conn.RemoteAddr())
		l.events.OnDisconnect()
	}
}

func (l *TCPLink) dispatch(frame []byte) {
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

// send frames and writes one payload. The lock serializes writers; the
// upgrade coordinator notifies from its own goroutine.
func (l *TCPLink) send(channel byte, payload []byte) error {
	l.mu.Lock()
	var conn = l.conn
	if conn == nil {
		l.mu.Unlock()

		return errNotConnected
	}

	var _, err = conn.Write(EncodeFrame(channel, payload))
	l.mu.Unlock()

	if err != nil {
		l.log.Warn("client write failed, dropping connection", "err", err)
		conn.Close()
	}

	return err
}

func (l *TCPLink) NotifyAudio(pkt []byte) error {
	return l.send(ChanAudio, pkt)
}

func (l *TCPLink) NotifyPhoto(pkt []byte) error {
	return l.send(ChanPhoto, pkt)
}

func (l *TCPLink) NotifyUpgrade(status []byte) error {
	return l.send(ChanUpgradeStatus, status)
}

func (l *TCPLink) NotifyBattery(level byte) error {
	return l.send(ChanBattery, []byte{level})
}

func (l *TCPLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conn != nil
}

// Close stops the listener, drops the client, and waits for the
// transport goroutines to finish. Safe to call more than once.
func (l *TCPLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()

		return nil
	}
	l.closed = true
	var conn = l.conn
	l.conn = nil
	var cancel = l.mdnsCancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err = l.listener.Close()
	if conn != nil {
		conn.Close()
	}

	l.wg.Wait()

	return err
}

// Default DNS-SD instance name, "lorgnette on <hostname>".
func defaultInstanceName() string {
	var hostname, err = os.Hostname()
	if err != nil {
		return "lorgnette"
	}

	// Some systems return an FQDN; keep the host part.
	hostname, _, _ = strings.Cut(hostname, ".")

	return "lorgnette on " + hostname
}
