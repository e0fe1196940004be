package lorgnette

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

// FileFlash stages a downloaded image next to the install path and commits
// it with an atomic rename. The running executable stays untouched until
// Commit, so a failed or canceled download leaves nothing behind but the
// staging file, which the next session truncates anyway.
type FileFlash struct {
	log     *log.Logger
	dest    string
	staging string

	f       *os.File
	written int64
}

func NewFileFlash(dest string, logger *log.Logger) *FileFlash {
	return &FileFlash{
		log:     logger.With("sub", "upgrade"),
		dest:    dest,
		staging: dest + ".staging",
	}
}

func (t *FileFlash) Begin(size int64) error {
	if t.f != nil {
		t.Abort()
	}

	var f, err = os.OpenFile(t.staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("open staging image: %w", err)
	}

	t.f = f
	t.written = 0
	t.log.Info("staging image", "path", t.staging, "bytes", size)

	return nil
}

func (t *FileFlash) Write(p []byte) (int, error) {
	if t.f == nil {
		return 0, errors.New("no staging image open")
	}

	var n, err = t.f.Write(p)
	t.written += int64(n)

	return n, err
}

func (t *FileFlash) Commit() error {
	if t.f == nil {
		return errors.New("no staging image open")
	}

	if err := t.f.Sync(); err != nil {
		t.Abort()

		return fmt.Errorf("sync staging image: %w", err)
	}
	if err := t.f.Close(); err != nil {
		t.f = nil
		os.Remove(t.staging)

		return fmt.Errorf("close staging image: %w", err)
	}
	t.f = nil

	if err := os.Rename(t.staging, t.dest); err != nil {
		os.Remove(t.staging)

		return fmt.Errorf("commit image: %w", err)
	}

	t.log.Info("image committed", "path", t.dest, "bytes", t.written)

	return nil
}

func (t *FileFlash) Abort() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}

	if err := os.Remove(t.staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.Warn("discarding staging image", "err", err)
	}
}
