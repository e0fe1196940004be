package lorgnette

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
)

// NMJoiner drives NetworkManager through nmcli to bring the sideband WiFi
// up for an upgrade download. Join and Leave run on the upgrade worker
// goroutine, one session at a time.
type NMJoiner struct {
	log  *log.Logger
	ssid string // set while joined
}

func NewNMJoiner(logger *log.Logger) *NMJoiner {
	return &NMJoiner{log: logger.With("sub", "upgrade")}
}

func (j *NMJoiner) Join(ctx context.Context, ssid, password string) error {
	j.log.Info("joining network", "ssid", ssid)

	var cmd = exec.CommandContext(ctx, "nmcli", "device", "wifi", "connect", ssid, "password", password)

	var out, err = cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli connect %q: %w: %s", ssid, err, strings.TrimSpace(string(out)))
	}

	j.ssid = ssid

	return nil
}

func (j *NMJoiner) Leave() {
	var ssid = j.ssid
	j.ssid = ""
	if ssid == "" {
		return
	}

	var cmd = exec.Command("nmcli", "connection", "down", "id", ssid)
	if out, err := cmd.CombinedOutput(); err != nil {
		j.log.Warn("nmcli disconnect failed",
			"ssid", ssid, "err", err, "output", strings.TrimSpace(string(out)))

		return
	}

	j.log.Info("left network", "ssid", ssid)
}
