package lorgnette

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlash(t *testing.T) (*FileFlash, string) {
	t.Helper()

	var dest = filepath.Join(t.TempDir(), "lorgnetted")

	return NewFileFlash(dest, quietLogger()), dest
}

func TestFileFlashCommitReplacesDest(t *testing.T) {
	var flash, dest = newTestFlash(t)
	require.NoError(t, os.WriteFile(dest, []byte("old build"), 0755))

	var image = []byte("new build with more bytes")
	require.NoError(t, flash.Begin(int64(len(image))))

	var n, err = flash.Write(image[:10])
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	_, err = flash.Write(image[10:])
	require.NoError(t, err)

	require.NoError(t, flash.Commit())

	var got, rerr = os.ReadFile(dest)
	require.NoError(t, rerr)
	assert.Equal(t, image, got)

	var info, serr = os.Stat(dest)
	require.NoError(t, serr)
	assert.NotZero(t, info.Mode()&0100, "committed image must be executable")

	_, err = os.Stat(dest + ".staging")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileFlashAbortLeavesDestAlone(t *testing.T) {
	var flash, dest = newTestFlash(t)
	require.NoError(t, os.WriteFile(dest, []byte("old build"), 0755))

	require.NoError(t, flash.Begin(5))
	_, _ = flash.Write([]byte("junk"))
	flash.Abort()

	var got, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("old build"), got)

	_, err = os.Stat(dest + ".staging")
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Abort again is fine.
	flash.Abort()
}

func TestFileFlashWriteNeedsBegin(t *testing.T) {
	var flash, _ = newTestFlash(t)

	var _, err = flash.Write([]byte("x"))
	assert.Error(t, err)
	assert.Error(t, flash.Commit())
}

func TestFileFlashBeginSupersedesOpenSession(t *testing.T) {
	var flash, dest = newTestFlash(t)

	require.NoError(t, flash.Begin(3))
	_, _ = flash.Write([]byte("AAA"))

	require.NoError(t, flash.Begin(2))
	_, _ = flash.Write([]byte("BB"))
	require.NoError(t, flash.Commit())

	var got, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("BB"), got)
}
