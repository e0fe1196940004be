package lorgnette

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// WSLink serves the link protocol over WebSocket for browser-based
// tooling. Each binary message is one frame, channel byte first; the
// transport is message-oriented so no byte stuffing is involved. The
// single-client policy matches TCPLink: a new connection supersedes the
// current one.
type WSLink struct {
	log    *log.Logger
	events LinkEvents
	info   DeviceInfo

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSLink binds addr and serves the link endpoint at /link.
func NewWSLink(addr string, info DeviceInfo, events LinkEvents, logger *log.Logger) (*WSLink, error) {
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	var l = &WSLink{
		log:      logger.With("sub", "ws"),
		events:   events,
		info:     info,
		listener: listener,
		upgrader: websocket.Upgrader{
			// Local tooling connects from file:// pages and dev servers
			// with arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	var mux = http.NewServeMux()
	mux.HandleFunc("/link", l.handleLink)
	l.server = &http.Server{Handler: mux}

	l.log.Info("listening", "addr", listener.Addr())

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		if serr := l.server.Serve(listener); !errors.Is(serr, http.ErrServerClosed) {
			l.mu.Lock()
			var closed = l.closed
			l.mu.Unlock()

			if !closed {
				l.log.Error("server stopped", "err", serr)
			}
		}
	}()

	return l, nil
}

// Addr returns the bound listen address.
func (l *WSLink) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *WSLink) handleLink(w http.ResponseWriter, r *http.Request) {
	var conn, err = l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("upgrade failed", "peer", r.RemoteAddr, "err", err)

		return
	}

	if !l.attach(conn) {
		return
	}

	// The handler goroutine doubles as the read pump; it lives exactly
	// as long as the connection.
	l.readPump(conn)
}

// attach makes conn the active client, superseding any current one.
// Reports false when the link is closed or the very first write fails.
func (l *WSLink) attach(conn *websocket.Conn) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()

		return false
	}

	// Device info is written before the connection becomes the active
	// one, so it is always the client's first message.
	var werr = conn.WriteMessage(websocket.BinaryMessage, append([]byte{ChanDeviceInfo}, EncodeDeviceInfo(l.info)...))
	if werr != nil {
		l.mu.Unlock()
		conn.Close()
		l.log.Warn("device info write failed", "err", werr)

		return false
	}

	var old = l.conn
	l.conn = conn
	l.wg.Add(1) // the caller's read pump, released in readPump
	l.mu.Unlock()

	if old != nil {
		old.Close()
		l.log.Info("client superseded", "old", old.RemoteAddr(), "new", conn.RemoteAddr())
		l.events.OnDisconnect()
	} else {
		l.log.Info("client attached", "peer", conn.RemoteAddr())
	}

	l.events.OnConnect()

	return true
}

func (l *WSLink) readPump(conn *websocket.Conn) {
	defer l.wg.Done()

	for {
		var msgType, data, err = conn.ReadMessage()
		if err != nil {
			break
		}

		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		l.dispatch(data)
	}

	l.detach(conn)
}

// detach clears conn if it is still the active client. A superseded
// connection finds someone else active here and goes quietly.
func (l *WSLink) detach(conn *websocket.Conn) {
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

func (l *WSLink) dispatch(msg []byte) {
	var channel, payload = msg[0], msg[1:]

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
		l.log.Debug("message on unexpected channel", "channel", channel, "len", len(payload))
	}
}

// send writes one frame. The lock serializes writers; gorilla allows at
// most one concurrent writer per connection.
func (l *WSLink) send(channel byte, payload []byte) error {
	l.mu.Lock()
	var conn = l.conn
	if conn == nil {
		l.mu.Unlock()

		return errNotConnected
	}

	var msg = make([]byte, 0, 1+len(payload))
	msg = append(msg, channel)
	msg = append(msg, payload...)

	var err = conn.WriteMessage(websocket.BinaryMessage, msg)
	l.mu.Unlock()

	if err != nil {
		l.log.Warn("client write failed, dropping connection", "err", err)
		conn.Close()
	}

	return err
}

func (l *WSLink) NotifyAudio(pkt []byte) error {
	return l.send(ChanAudio, pkt)
}

func (l *WSLink) NotifyPhoto(pkt []byte) error {
	return l.send(ChanPhoto, pkt)
}

func (l *WSLink) NotifyUpgrade(status []byte) error {
	return l.send(ChanUpgradeStatus, status)
}

func (l *WSLink) NotifyBattery(level byte) error {
	return l.send(ChanBattery, []byte{level})
}

func (l *WSLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conn != nil
}

// Close drops the client, stops the server, and waits for the transport
// goroutines. Safe to call more than once.
func (l *WSLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()

		return nil
	}
	l.closed = true
	var conn = l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	// Server Close does not reach hijacked connections, which is why the
	// active one was closed above.
	var err = l.server.Close()
	l.wg.Wait()

	return err
}
