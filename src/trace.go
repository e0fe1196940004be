package lorgnette

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Daily file pattern used when the config leaves it blank.
const defaultTracePattern = "%Y-%m-%d.csv"

// Name used when rotation is off. Typically logrotate keeps the size
// under control in that mode.
const traceSingleName = "trace.csv"

var traceHeader = []string{"utime", "isotime", "event", "detail"}

// EventTrace appends device events to CSV files for later analysis, one
// row per event. With daily rotation on, file names come from a strftime
// pattern over the current UTC date; the active file stays open between
// events and is swapped when the name changes.
type EventTrace struct {
	log   *log.Logger
	dir   string
	namer *strftime.Strftime // nil when rotation is off
	now   func() time.Time

	mu       sync.Mutex
	file     *os.File
	w        *csv.Writer
	openName string
}

// NewEventTrace prepares the trace directory. The directory's parent must
// already exist; only the last level is created.
func NewEventTrace(cfg TraceSettings, logger *log.Logger) (*EventTrace, error) {
	var stat, statErr = os.Stat(cfg.Dir)
	switch {
	case statErr == nil && !stat.IsDir():
		return nil, fmt.Errorf("trace location %q is not a directory", cfg.Dir)
	case statErr != nil:
		if err := os.Mkdir(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create trace directory: %w", err)
		}
	}

	var t = &EventTrace{
		log: logger.With("sub", "trace"),
		dir: cfg.Dir,
		now: time.Now,
	}

	if cfg.Daily {
		var pattern = cfg.Pattern
		if pattern == "" {
			pattern = defaultTracePattern
		}

		var namer, err = strftime.New(pattern)
		if err != nil {
			return nil, fmt.Errorf("trace pattern %q: %w", pattern, err)
		}
		t.namer = namer
	}

	return t, nil
}

// Event appends one row. Failures are logged and the row dropped.
func (t *EventTrace) Event(event, detail string) {
	var now = t.now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	var fname = traceSingleName
	if t.namer != nil {
		fname = t.namer.FormatString(now)
	}

	if t.file != nil && fname != t.openName {
		t.closeLocked()
	}

	if t.file == nil {
		if err := t.openLocked(fname); err != nil {
			t.log.Warn("trace open", "err", err)

			return
		}
	}

	t.w.Write([]string{
		strconv.FormatInt(now.Unix(), 10),
		now.Format(time.RFC3339),
		event,
		detail,
	})
	t.w.Flush()

	if err := t.w.Error(); err != nil {
		t.log.Warn("trace write", "err", err)
	}
}

// openLocked opens fname for append, writing the column header only when
// the file did not exist before.
func (t *EventTrace) openLocked(fname string) error {
	var full = filepath.Join(t.dir, fname)

	var _, statErr = os.Stat(full)
	var existed = statErr == nil

	var f, err = os.OpenFile(full, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	t.file = f
	t.w = csv.NewWriter(f)
	t.openName = fname
	t.log.Info("trace file opened", "name", fname)

	if !existed {
		t.w.Write(traceHeader)
		t.w.Flush()
	}

	return t.w.Error()
}

func (t *EventTrace) closeLocked() {
	t.w.Flush()
	t.file.Close()
	t.file = nil
	t.w = nil
	t.openName = ""
}

// Close flushes and releases the current file, if any.
func (t *EventTrace) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		t.closeLocked()
	}
}
