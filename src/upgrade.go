package lorgnette

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// UpgradeStatus is the protocol state byte reported on the status
// characteristic.
type UpgradeStatus byte

const (
	UpgradeIdle UpgradeStatus = 0x00

	UpgradeWiFiConnecting UpgradeStatus = 0x10
	UpgradeWiFiConnected  UpgradeStatus = 0x11
	UpgradeWiFiFailed     UpgradeStatus = 0x12

	UpgradeDownloading      UpgradeStatus = 0x20
	UpgradeDownloadComplete UpgradeStatus = 0x21
	UpgradeDownloadFailed   UpgradeStatus = 0x22

	UpgradeInstalling      UpgradeStatus = 0x30
	UpgradeInstallComplete UpgradeStatus = 0x31
	UpgradeInstallFailed   UpgradeStatus = 0x32

	UpgradeRebooting UpgradeStatus = 0x40

	UpgradeError UpgradeStatus = 0xFF
)

func (s UpgradeStatus) String() string {
	switch s {
	case UpgradeIdle:
		return "idle"
	case UpgradeWiFiConnecting:
		return "wifi-connecting"
	case UpgradeWiFiConnected:
		return "wifi-connected"
	case UpgradeWiFiFailed:
		return "wifi-failed"
	case UpgradeDownloading:
		return "downloading"
	case UpgradeDownloadComplete:
		return "download-complete"
	case UpgradeDownloadFailed:
		return "download-failed"
	case UpgradeInstalling:
		return "installing"
	case UpgradeInstallComplete:
		return "install-complete"
	case UpgradeInstallFailed:
		return "install-failed"
	case UpgradeRebooting:
		return "rebooting"
	case UpgradeError:
		return "error"
	}

	return fmt.Sprintf("unknown(0x%02X)", byte(s))
}

var (
	ErrNotStaged     = errors.New("wifi credentials and source url must be staged first")
	ErrUpgradeActive = errors.New("an upgrade session is already active")
)

// NetworkJoiner brings the sideband network up and down. Join must honor
// the context deadline.
type NetworkJoiner interface {
	Join(ctx context.Context, ssid, password string) error
	Leave()
}

// FlashTarget receives the new executable image. Writes stream in order;
// Commit makes the staged image the one booted next; Abort discards
// whatever was written.
type FlashTarget interface {
	Begin(size int64) error
	Write(p []byte) (int, error)
	Commit() error
	Abort()
}

// Restarter restarts the device into the committed image.
type Restarter interface {
	Restart() error
}

// UpgradeConfig bounds the session's network behavior.
type UpgradeConfig struct {
	ConnectTimeout time.Duration // ceiling on the network join
	HTTPTimeout    time.Duration // ceiling on the whole download request
	ChunkSize      int           // bytes streamed per flash write
	ProgressStep   int           // notify every this many percent
}

// UpgradeCoordinator runs the remote upgrade protocol on its own
// goroutine, so the device tick never waits on the network. The tick side
// stages credentials and a source URL, starts, cancels and polls; the
// worker reports back only through the status/progress pair and honors
// cancellation at checkpoints: after each chunk and before each blocking
// step. In-flight flash writes are never rolled back by a cancel, only
// abandoned via Abort.
//
// Nothing here retries: every failure parks the session in its *_FAILED
// state until the operator issues a new start.
type UpgradeCoordinator struct {
	log       *log.Logger
	cfg       UpgradeConfig
	joiner    NetworkJoiner
	flash     FlashTarget
	restarter Restarter
	client    *http.Client

	// notify pushes a status pair to the link; it is called from the
	// worker goroutine and must be safe for that.
	notify func(status UpgradeStatus, progress byte)

	// shutdownLink, when set, is called just before the restart so the
	// capture link goes down in an orderly way.
	shutdownLink func()

	mu       sync.Mutex
	ssid     string
	password string
	url      string
	status   UpgradeStatus
	progress byte
	running  bool

	cancelRequested atomic.Bool
	wg              sync.WaitGroup
}

func NewUpgradeCoordinator(cfg UpgradeConfig, joiner NetworkJoiner, flash FlashTarget, restarter Restarter, logger *log.Logger) *UpgradeCoordinator {
	return &UpgradeCoordinator{
		log:       logger.With("sub", "upgrade"),
		cfg:       cfg,
		joiner:    joiner,
		flash:     flash,
		restarter: restarter,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		notify:    func(UpgradeStatus, byte) {},
		status:    UpgradeIdle,
	}
}

// SetNotifier wires the status characteristic. Must be called before Start.
func (c *UpgradeCoordinator) SetNotifier(notify func(status UpgradeStatus, progress byte)) {
	c.notify = notify
}

// SetLinkShutdown wires the pre-restart link teardown.
func (c *UpgradeCoordinator) SetLinkShutdown(shutdown func()) {
	c.shutdownLink = shutdown
}

// Status returns the current status pair.
func (c *UpgradeCoordinator) Status() (UpgradeStatus, byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status, c.progress
}

// Busy reports whether a session is running.
func (c *UpgradeCoordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

// HandleCommand applies one decoded upgrade control write.
func (c *UpgradeCoordinator) HandleCommand(cmd UpgradeCommand) {
	switch cmd.Op {
	case UpgradeOpSetWiFi:
		c.mu.Lock()
		c.ssid = cmd.SSID
		c.password = cmd.Password
		c.mu.Unlock()
		c.log.Info("wifi credentials staged", "ssid", cmd.SSID)

	case UpgradeOpSetURL:
		c.mu.Lock()
		c.url = cmd.URL
		c.mu.Unlock()
		c.log.Info("source url staged", "url", cmd.URL)

	case UpgradeOpStart:
		if err := c.Start(); err != nil {
			c.log.Warn("start rejected", "err", err)
			c.notify(UpgradeError, 0)
		}

	case UpgradeOpCancel:
		c.Cancel()

	case UpgradeOpGetStatus:
		var status, progress = c.Status()
		c.notify(status, progress)
	}
}

// Start launches a session. It is rejected, leaving all state untouched,
// unless credentials and a URL are staged and no session is running.
func (c *UpgradeCoordinator) Start() error {
	c.mu.Lock()

	if c.running {
		c.mu.Unlock()

		return ErrUpgradeActive
	}
	if c.ssid == "" || c.url == "" {
		c.mu.Unlock()

		return ErrNotStaged
	}

	var ssid, password, url = c.ssid, c.password, c.url
	c.running = true
	c.mu.Unlock()

	c.cancelRequested.Store(false)

	var session = uuid.New()
	c.log.Info("upgrade session starting", "session", session, "url", url)

	c.wg.Add(1)
	go c.run(session, ssid, password, url)

	return nil
}

// Cancel requests cooperative cancellation of the running session, or
// clears a finished session's status back to idle. Staged credentials
// survive.
func (c *UpgradeCoordinator) Cancel() {
	c.mu.Lock()
	var running = c.running
	c.mu.Unlock()

	if running {
		c.cancelRequested.Store(true)
		c.log.Info("cancel requested")

		return
	}

	c.setStatus(UpgradeIdle, 0)
}

// Wait blocks until the current session's goroutine has exited.
func (c *UpgradeCoordinator) Wait() {
	c.wg.Wait()
}

func (c *UpgradeCoordinator) setStatus(status UpgradeStatus, progress byte) {
	c.mu.Lock()
	c.status = status
	c.progress = progress
	c.mu.Unlock()

	c.notify(status, progress)
}

func (c *UpgradeCoordinator) canceled() bool {
	return c.cancelRequested.Load()
}

func (c *UpgradeCoordinator) finish() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *UpgradeCoordinator) run(session uuid.UUID, ssid, password, url string) {
	defer c.wg.Done()
	defer c.finish()

	var slog = c.log.With("session", session)

	// Network join, bounded by the connect ceiling.
	c.setStatus(UpgradeWiFiConnecting, 0)

	var ctx, cancel = context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.joiner.Join(ctx, ssid, password); err != nil {
		slog.Error("network join failed", "err", err)
		c.setStatus(UpgradeWiFiFailed, 0)

		return
	}
	defer c.joiner.Leave()

	c.setStatus(UpgradeWiFiConnected, 0)

	if c.canceled() {
		c.abandon(slog, false)

		return
	}

	if !c.download(slog, url) {
		return
	}

	// Make the staged image bootable.
	c.setStatus(UpgradeInstalling, 100)

	if err := c.flash.Commit(); err != nil {
		slog.Error("commit failed", "err", err)
		c.setStatus(UpgradeInstallFailed, 100)

		return
	}

	c.setStatus(UpgradeInstallComplete, 100)
	slog.Info("upgrade installed")

	c.setStatus(UpgradeRebooting, 100)

	if c.shutdownLink != nil {
		c.shutdownLink()
	}

	if err := c.restarter.Restart(); err != nil {
		slog.Error("restart failed", "err", err)
		c.setStatus(UpgradeError, 100)
	}
}

// download streams the image into the flash target. Returns false when the
// session is over (failed or canceled); the caller handles network
// teardown.
func (c *UpgradeCoordinator) download(slog *log.Logger, url string) bool {
	c.setStatus(UpgradeDownloading, 0)

	if c.canceled() {
		c.abandon(slog, false)

		return false
	}

	var req, reqErr = http.NewRequest(http.MethodGet, url, nil)
	if reqErr != nil {
		slog.Error("bad source url", "err", reqErr)
		c.setStatus(UpgradeDownloadFailed, 0)

		return false
	}

	var resp, doErr = c.client.Do(req)
	if doErr != nil {
		slog.Error("download request failed", "err", doErr)
		c.setStatus(UpgradeDownloadFailed, 0)

		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("download refused", "status", resp.Status)
		c.setStatus(UpgradeDownloadFailed, 0)

		return false
	}

	var declared = resp.ContentLength
	if declared <= 0 {
		slog.Error("source did not declare a size")
		c.setStatus(UpgradeDownloadFailed, 0)

		return false
	}

	if err := c.flash.Begin(declared); err != nil {
		slog.Error("flash begin failed", "err", err)
		c.setStatus(UpgradeInstallFailed, 0)

		return false
	}

	slog.Info("downloading", "bytes", declared)

	var buf = make([]byte, c.cfg.ChunkSize)
	var written int64
	var lastReported = 0

	for {
		if c.canceled() {
			c.abandon(slog, true)

			return false
		}

		var n, rerr = resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.flash.Write(buf[:n]); werr != nil {
				slog.Error("flash write failed", "err", werr, "at", written)
				c.flash.Abort()
				c.setStatus(UpgradeInstallFailed, c.pct(written, declared))

				return false
			}

			written += int64(n)

			var pct = int(c.pct(written, declared))
			if pct >= lastReported+c.cfg.ProgressStep || pct == 100 {
				lastReported = pct
				c.setStatus(UpgradeDownloading, byte(pct))
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			slog.Error("download interrupted", "err", rerr, "at", written)
			c.flash.Abort()
			c.setStatus(UpgradeDownloadFailed, c.pct(written, declared))

			return false
		}
	}

	if written != declared {
		slog.Error("size mismatch", "declared", declared, "got", written)
		c.flash.Abort()
		c.setStatus(UpgradeDownloadFailed, c.pct(written, declared))

		return false
	}

	c.setStatus(UpgradeDownloadComplete, 100)

	if c.canceled() {
		c.abandon(slog, true)

		return false
	}

	return true
}

// abandon tears a canceled session down to idle. Flash contents already
// written stay written; Abort just invalidates the staging.
func (c *UpgradeCoordinator) abandon(slog *log.Logger, flashStarted bool) {
	slog.Info("upgrade canceled")

	if flashStarted {
		c.flash.Abort()
	}

	c.setStatus(UpgradeIdle, 0)
}

func (c *UpgradeCoordinator) pct(written, declared int64) byte {
	if declared <= 0 {
		return 0
	}

	var pct = written * 100 / declared
	if pct > 100 {
		pct = 100
	}

	return byte(pct)
}
