package lorgnette

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLink struct {
	connected bool
	failAll   bool
	audio     [][]byte
	photo     [][]byte
	upgrade   [][]byte
	battery   []byte
	closes    int
}

func (l *recordingLink) notify(dst *[][]byte, pkt []byte) error {
	if l.failAll {
		return errors.New("link down")
	}

	var kept = make([]byte, len(pkt))
	copy(kept, pkt)
	*dst = append(*dst, kept)

	return nil
}

func (l *recordingLink) NotifyAudio(pkt []byte) error   { return l.notify(&l.audio, pkt) }
func (l *recordingLink) NotifyPhoto(pkt []byte) error   { return l.notify(&l.photo, pkt) }
func (l *recordingLink) NotifyUpgrade(pkt []byte) error { return l.notify(&l.upgrade, pkt) }

func (l *recordingLink) NotifyBattery(level byte) error {
	if l.failAll {
		return errors.New("link down")
	}
	l.battery = append(l.battery, level)

	return nil
}

func (l *recordingLink) Connected() bool { return l.connected }

func (l *recordingLink) Close() error {
	l.closes++
	l.connected = false

	return nil
}

func newTestMux(t *testing.T, budget int) (*LinkMultiplexer, *PacketRing, *recordingLink) {
	t.Helper()

	var tx, err = NewPacketRing(4096)
	require.NoError(t, err)

	var link = &recordingLink{connected: true}

	return NewLinkMultiplexer(link, tx, budget, quietLogger()), tx, link
}

func TestMuxAudioGoesOutBeforeAnyImageChunk(t *testing.T) {
	var m, tx, link = newTestMux(t, 2)

	require.NoError(t, m.StartImage(NewImageAsset(0, make([]byte, 1000))))
	require.True(t, tx.Push([]byte{0xA1}))
	require.True(t, tx.Push([]byte{0xA2}))

	m.Tick()

	assert.Len(t, link.audio, 2, "all queued audio drains first")
	assert.Empty(t, link.photo, "a tick that sent audio sends no image chunks")
	assert.True(t, m.ImageActive(), "the transfer stays pending")
}

func TestMuxSendsBudgetChunksPerQuietTick(t *testing.T) {
	var m, _, link = newTestMux(t, 2)

	// 1000 bytes: 197 + 4*200 + 3 = six data chunks, then the end marker.
	require.NoError(t, m.StartImage(NewImageAsset(0x01, make([]byte, 1000))))

	m.Tick()
	assert.Len(t, link.photo, 2)

	m.Tick()
	m.Tick()
	assert.Len(t, link.photo, 6)
	assert.True(t, m.ImageActive())

	m.Tick()
	assert.Len(t, link.photo, 7, "sixth data chunk plus the end marker")
	assert.False(t, m.ImageActive(), "asset released after the end marker")

	assert.Equal(t, []byte{0xFF, 0xFF}, link.photo[6])
}

func TestMuxPreemptionLosesNoChunks(t *testing.T) {
	var m, tx, link = newTestMux(t, 2)

	var data = make([]byte, 900)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, m.StartImage(NewImageAsset(0x02, data)))

	m.Tick() // two chunks

	require.True(t, tx.Push([]byte{0xAA}))
	m.Tick() // audio only, image preempted

	for m.ImageActive() {
		m.Tick()
	}

	var got []byte
	var sawEnd = false
	for _, pkt := range link.photo {
		var chunk, err = ParseImageChunk(pkt)
		require.NoError(t, err)

		if chunk.End {
			sawEnd = true

			break
		}
		got = append(got, chunk.Payload...)
	}

	assert.True(t, sawEnd)
	assert.Equal(t, data, got, "preemption must not skip or repeat chunks")
	assert.Len(t, link.audio, 1)
}

func TestMuxRejectsSecondAssetWhileActive(t *testing.T) {
	var m, _, _ = newTestMux(t, 2)

	require.NoError(t, m.StartImage(NewImageAsset(0, make([]byte, 50))))

	var err = m.StartImage(NewImageAsset(0, make([]byte, 50)))
	assert.ErrorIs(t, err, ErrTransferActive)

	// Drain to completion, then a new asset is accepted.
	for m.ImageActive() {
		m.Tick()
	}

	assert.NoError(t, m.StartImage(NewImageAsset(0, make([]byte, 50))))
}

func TestMuxSmallAssetSingleChunk(t *testing.T) {
	var m, _, link = newTestMux(t, 2)

	require.NoError(t, m.StartImage(NewImageAsset(0x03, []byte{1, 2, 3})))

	m.Tick()

	require.Len(t, link.photo, 2, "one data chunk and the end marker in one tick")

	var first, err = ParseImageChunk(link.photo[0])
	require.NoError(t, err)
	assert.True(t, first.First)
	assert.Equal(t, byte(0x03), first.Orientation)
	assert.Equal(t, []byte{1, 2, 3}, first.Payload)

	var end, err2 = ParseImageChunk(link.photo[1])
	require.NoError(t, err2)
	assert.True(t, end.End)
}

func TestMuxNotifyFailureDropsWithoutRetry(t *testing.T) {
	var m, tx, link = newTestMux(t, 2)
	link.failAll = true

	require.True(t, tx.Push([]byte{0xA1}))
	m.Tick()

	assert.Equal(t, 0, tx.Pending(), "a failed send is dropped, never requeued")
	assert.Equal(t, uint64(1), m.Stats().NotifyFailures)
}

func TestMuxAudioIndexWraps(t *testing.T) {
	var m, tx, link = newTestMux(t, 2)
	m.audioIndex = 0xFFFE

	for i := 0; i < 3; i++ {
		require.True(t, tx.Push([]byte{byte(i)}))
		m.Tick()
	}

	require.Len(t, link.audio, 3)

	var indexes []uint16
	for _, pkt := range link.audio {
		var index, _, err = ParseAudioPacket(pkt)
		require.NoError(t, err)
		indexes = append(indexes, index)
	}

	assert.Equal(t, []uint16{0xFFFE, 0xFFFF, 0x0000}, indexes)
}

func TestMuxDropImage(t *testing.T) {
	var m, _, link = newTestMux(t, 2)

	require.NoError(t, m.StartImage(NewImageAsset(0, make([]byte, 500))))
	m.Tick()
	m.DropImage()

	assert.False(t, m.ImageActive())

	var before = len(link.photo)
	m.Tick()
	assert.Equal(t, before, len(link.photo), "nothing more goes out after an abandoned transfer")
}
