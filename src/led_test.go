package lorgnette

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLEDLine struct {
	values []int
}

func (m *mockLEDLine) SetValue(value int) error {
	m.values = append(m.values, value)

	return nil
}

func newTestLED() (*StatusLED, *mockLEDLine) {
	var line = &mockLEDLine{}
	var led = NewStatusLED(line, quietLogger())
	led.mode = LEDNormal
	led.sleep = func(time.Duration) {}

	return led, line
}

func TestLEDSolidWhenConnected(t *testing.T) {
	var led, line = newTestLED()
	var t0 = time.Now()

	led.Tick(t0, true)
	led.Tick(t0.Add(time.Second), true)
	led.Tick(t0.Add(2*time.Second), true)

	assert.Equal(t, []int{1}, line.values, "solid on needs exactly one write")
}

func TestLEDBlinksWhenDisconnected(t *testing.T) {
	var led, line = newTestLED()
	var t0 = time.Now()

	led.Tick(t0, false)
	require.Equal(t, []int{1}, line.values)

	led.Tick(t0.Add(500*time.Millisecond), false)
	assert.Len(t, line.values, 1, "half a period: no toggle yet")

	led.Tick(t0.Add(1100*time.Millisecond), false)
	assert.Equal(t, []int{1, 0}, line.values)

	led.Tick(t0.Add(2200*time.Millisecond), false)
	assert.Equal(t, []int{1, 0, 1}, line.values)
}

func TestLEDBootSequence(t *testing.T) {
	var line = &mockLEDLine{}
	var led = NewStatusLED(line, quietLogger())
	led.sleep = func(time.Duration) {}

	led.PlayBoot()

	assert.Equal(t, []int{1, 0, 1, 0, 1, 0, 1, 0, 1, 0}, line.values, "five on/off blinks")
	assert.Equal(t, LEDNormal, led.Mode())
}

func TestLEDShutdownSequence(t *testing.T) {
	var led, line = newTestLED()

	led.PlayShutdown()

	assert.Equal(t, []int{1, 0, 1, 0}, line.values, "two blinks, ending dark")
	assert.Equal(t, LEDShutdown, led.Mode())
}
