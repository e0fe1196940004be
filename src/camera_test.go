package lorgnette

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCamera struct {
	asset *ImageAsset
	err   error
	calls int
}

func (c *mockCamera) Capture(ctx context.Context) (*ImageAsset, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}

	return c.asset, nil
}

func newTestCaptureScheduler(cam Camera) *CaptureScheduler {
	return NewCaptureScheduler(cam, 30*time.Second, 3*time.Second, quietLogger())
}

func TestCaptureSingleShot(t *testing.T) {
	var cam = &mockCamera{asset: NewImageAsset(1, []byte{1, 2})}
	var s = newTestCaptureScheduler(cam)
	var t0 = time.Now()

	assert.False(t, s.Due(t0))

	s.Control(CaptureSingle, 0)
	require.True(t, s.Due(t0))

	var asset = s.Capture(context.Background(), t0)
	require.NotNil(t, asset)
	assert.False(t, s.Due(t0.Add(time.Second)), "one-shot request is consumed")
}

func TestCaptureIntervalUsesConfiguredPeriod(t *testing.T) {
	var cam = &mockCamera{asset: NewImageAsset(1, []byte{1})}
	var s = newTestCaptureScheduler(cam)
	var t0 = time.Now()

	// The client asks for 5 seconds; the device sticks to its 30.
	s.Control(CaptureStartInterval, 5)
	require.True(t, s.Due(t0), "first interval shot fires immediately")

	s.Capture(context.Background(), t0)

	assert.False(t, s.Due(t0.Add(5*time.Second)), "client's 5s wish is ignored")
	assert.False(t, s.Due(t0.Add(29*time.Second)))
	assert.True(t, s.Due(t0.Add(30*time.Second)))
}

func TestCaptureStop(t *testing.T) {
	var cam = &mockCamera{asset: NewImageAsset(1, []byte{1})}
	var s = newTestCaptureScheduler(cam)
	var t0 = time.Now()

	s.Control(CaptureStartInterval, 30)
	s.Capture(context.Background(), t0)
	require.True(t, s.Active())

	s.Control(CaptureStop, 0)
	assert.False(t, s.Active())
	assert.False(t, s.Due(t0.Add(time.Hour)))

	var _, scheduled = s.TimeToNext(t0)
	assert.False(t, scheduled)
}

func TestCaptureTimeToNext(t *testing.T) {
	var cam = &mockCamera{asset: NewImageAsset(1, []byte{1})}
	var s = newTestCaptureScheduler(cam)
	var t0 = time.Now()

	s.Control(CaptureStartInterval, 30)
	s.Capture(context.Background(), t0)

	var d, ok = s.TimeToNext(t0.Add(10 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, d)

	d, ok = s.TimeToNext(t0.Add(45 * time.Second))
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d, "overdue clamps to zero")
}

func TestCaptureFailureSkipsCycle(t *testing.T) {
	var cam = &mockCamera{err: errors.New("sensor wedged")}
	var s = newTestCaptureScheduler(cam)
	var t0 = time.Now()

	s.Control(CaptureStartInterval, 30)

	assert.Nil(t, s.Capture(context.Background(), t0))
	assert.False(t, s.Due(t0.Add(time.Second)), "failed cycle waits out a full period")
	assert.True(t, s.Due(t0.Add(30*time.Second)))
}

func TestCaptureFailureConsumesSingleRequest(t *testing.T) {
	var cam = &mockCamera{err: errors.New("sensor wedged")}
	var s = newTestCaptureScheduler(cam)
	var t0 = time.Now()

	s.Control(CaptureSingle, 0)
	assert.Nil(t, s.Capture(context.Background(), t0))
	assert.False(t, s.Due(t0.Add(time.Second)), "retries are for the operator, not the scheduler")
	assert.Equal(t, 1, cam.calls)
}

func TestCaptureQuiesce(t *testing.T) {
	var cam = &mockCamera{asset: NewImageAsset(1, []byte{1})}
	var s = newTestCaptureScheduler(cam)

	s.Control(CaptureStartInterval, 30)
	s.Control(CaptureSingle, 0)
	s.Quiesce()

	assert.False(t, s.Active())
	assert.False(t, s.Due(time.Now()))
}
