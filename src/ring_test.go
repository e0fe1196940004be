package lorgnette

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRingRejectsTinyCapacity(t *testing.T) {
	var _, err = NewRing[int16](1)
	assert.ErrorIs(t, err, ErrRingCapacity)
}

func TestRingOneSlotReserved(t *testing.T) {
	var rb, err = NewRing[byte](4)
	require.NoError(t, err)

	assert.Equal(t, 3, rb.Cap())

	assert.True(t, rb.Push(1))
	assert.True(t, rb.Push(2))
	assert.True(t, rb.Push(3))
	assert.False(t, rb.Push(4), "fourth push must be rejected, one slot stays reserved")
	assert.Equal(t, 3, rb.Available())
}

func TestRingPushOverwriteEvictsOldest(t *testing.T) {
	var rb, err = NewRing[int16](4)
	require.NoError(t, err)

	rb.PushOverwrite(10)
	rb.PushOverwrite(20)
	rb.PushOverwrite(30)
	var evicted = rb.PushOverwrite(40)

	assert.True(t, evicted)
	assert.Equal(t, 3, rb.Available())

	var frame, ok = rb.PopFrame(3)
	require.True(t, ok)
	assert.Equal(t, []int16{20, 30, 40}, frame)
}

func TestRingPopFrameNeverPartial(t *testing.T) {
	var rb, err = NewRing[int16](8)
	require.NoError(t, err)

	rb.PushAllOverwrite([]int16{1, 2, 3})

	var _, ok = rb.PopFrame(4)
	assert.False(t, ok, "PopFrame must refuse when short of a full frame")
	assert.Equal(t, 3, rb.Available(), "a refused pop must not consume anything")

	var frame, ok2 = rb.PopFrame(3)
	require.True(t, ok2)
	assert.Equal(t, []int16{1, 2, 3}, frame)
	assert.Equal(t, 0, rb.Available())
}

// Property: however many items are pushed with the overwrite policy, the
// buffer never reports more than capacity-1 available, and draining yields
// the most recent items in their original order.
func TestRingOverwriteWindowProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var capacity = rapid.IntRange(2, 64).Draw(t, "capacity")
		var items = rapid.SliceOfN(rapid.Int16(), 0, 300).Draw(t, "items")

		var rb, err = NewRing[int16](capacity)
		require.NoError(t, err)

		for _, item := range items {
			rb.PushOverwrite(item)
			require.Less(t, rb.Available(), capacity)
		}

		var n = rb.Available()
		if n == 0 {
			require.Empty(t, items)

			return
		}

		var want = items
		if len(items) > n {
			want = items[len(items)-n:]
		}

		var got, ok = rb.PopFrame(n)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})
}

func TestPacketRingRoundTrip(t *testing.T) {
	var pr, err = NewPacketRing(64)
	require.NoError(t, err)

	require.True(t, pr.Push([]byte{0xAA}))
	require.True(t, pr.Push([]byte{1, 2, 3, 4}))
	require.True(t, pr.Push([]byte{}))
	assert.Equal(t, 3, pr.Pending())

	var n, ok = pr.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, n)

	var first, _ = pr.Pop()
	assert.Equal(t, []byte{0xAA}, first)

	var second, _ = pr.Pop()
	assert.Equal(t, []byte{1, 2, 3, 4}, second)

	var third, _ = pr.Pop()
	assert.Empty(t, third)

	var _, more = pr.Pop()
	assert.False(t, more)
}

func TestPacketRingRejectWholeItem(t *testing.T) {
	// 10 allocated bytes, 9 usable. A 4-byte payload costs 6 with prefix.
	var pr, err = NewPacketRing(10)
	require.NoError(t, err)

	require.True(t, pr.Push([]byte{1, 2, 3, 4}))
	assert.Equal(t, 3, pr.Free())

	assert.False(t, pr.Push([]byte{5, 6}), "4 bytes needed, 3 free: reject")
	assert.Equal(t, 1, pr.Pending(), "rejected push must not enqueue anything")

	var got, ok = pr.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, got, "rejected push must not corrupt the queued packet")
}

// Property: a push that returns false changes nothing; every packet queued
// before the rejection still pops out intact and in order.
func TestPacketRingRejectionLeavesStateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var capacity = rapid.IntRange(4, 128).Draw(t, "capacity")
		var pushes = rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 40), 1, 50).Draw(t, "pushes")

		var pr, err = NewPacketRing(capacity)
		require.NoError(t, err)

		var accepted [][]byte
		for _, p := range pushes {
			var freeBefore = pr.Free()
			var pendingBefore = pr.Pending()

			if pr.Push(p) {
				accepted = append(accepted, p)
				continue
			}

			require.Equal(t, freeBefore, pr.Free(), "rejected push moved the write cursor")
			require.Equal(t, pendingBefore, pr.Pending())
		}

		for _, want := range accepted {
			var got, ok = pr.Pop()
			require.True(t, ok)
			require.Equal(t, len(want), len(got))
			if len(want) > 0 {
				require.Equal(t, want, got)
			}
		}

		var _, ok = pr.Pop()
		require.False(t, ok)
	})
}

func TestPacketRingWrapAround(t *testing.T) {
	var pr, err = NewPacketRing(16)
	require.NoError(t, err)

	// Cycle enough packets through to force the cursors to wrap several
	// times; contents must survive the seam.
	for i := 0; i < 50; i++ {
		var p = []byte{byte(i), byte(i + 1), byte(i + 2)}
		require.True(t, pr.Push(p), "push %d", i)

		var got, ok = pr.Pop()
		require.True(t, ok)
		require.Equal(t, p, got, "packet %d corrupted across the wrap seam", i)
	}
}
