package lorgnette

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTraceRows(t *testing.T, path string) [][]string {
	t.Helper()

	var f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var rows, readErr = csv.NewReader(f).ReadAll()
	require.NoError(t, readErr)

	return rows
}

func TestTraceSingleFileAppends(t *testing.T) {
	var dir = filepath.Join(t.TempDir(), "trace")

	var tr, err = NewEventTrace(TraceSettings{Dir: dir}, quietLogger())
	require.NoError(t, err)

	tr.Event("connect", "peer up")
	tr.Event("battery", "level=52")
	tr.Close()

	var rows = readTraceRows(t, filepath.Join(dir, "trace.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, traceHeader, rows[0])
	assert.Equal(t, "connect", rows[1][2])
	assert.Equal(t, "peer up", rows[1][3])
	assert.Equal(t, "level=52", rows[2][3])

	// A later run appends without repeating the header.
	var tr2, err2 = NewEventTrace(TraceSettings{Dir: dir}, quietLogger())
	require.NoError(t, err2)
	tr2.Event("disconnect", "")
	tr2.Close()

	rows = readTraceRows(t, filepath.Join(dir, "trace.csv"))
	require.Len(t, rows, 4)
	assert.Equal(t, "disconnect", rows[3][2])
}

func TestTraceDailyRotation(t *testing.T) {
	var dir = filepath.Join(t.TempDir(), "trace")

	var tr, err = NewEventTrace(TraceSettings{Dir: dir, Daily: true}, quietLogger())
	require.NoError(t, err)

	var day = time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	tr.now = func() time.Time { return day }

	tr.Event("connect", "")
	tr.Event("audio", "on")

	day = time.Date(2024, 3, 2, 0, 1, 0, 0, time.UTC)
	tr.Event("audio", "off")
	tr.Close()

	var first = readTraceRows(t, filepath.Join(dir, "2024-03-01.csv"))
	require.Len(t, first, 3)
	assert.Equal(t, "connect", first[1][2])

	var second = readTraceRows(t, filepath.Join(dir, "2024-03-02.csv"))
	require.Len(t, second, 2)
	assert.Equal(t, []string{"1709337660", "2024-03-02T00:01:00Z", "audio", "off"}, second[1])
}

func TestTraceCustomPattern(t *testing.T) {
	var dir = filepath.Join(t.TempDir(), "trace")

	var tr, err = NewEventTrace(TraceSettings{Dir: dir, Daily: true, Pattern: "cap-%Y%m%d.csv"}, quietLogger())
	require.NoError(t, err)

	tr.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	tr.Event("image", "bytes=4096")
	tr.Close()

	var rows = readTraceRows(t, filepath.Join(dir, "cap-20240301.csv"))
	require.Len(t, rows, 2)
}

func TestTraceRejectsFileAsDirectory(t *testing.T) {
	var file = filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	var _, err = NewEventTrace(TraceSettings{Dir: file}, quietLogger())
	assert.ErrorContains(t, err, "not a directory")
}
