package lorgnette

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockGovernor struct {
	levels []ClockLevel
}

func (g *mockGovernor) SetLevel(level ClockLevel) error {
	g.levels = append(g.levels, level)

	return nil
}

type mockSleeper struct {
	light []time.Duration
	deep  int
}

func (s *mockSleeper) LightSleep(d time.Duration) error {
	s.light = append(s.light, d)

	return nil
}

func (s *mockSleeper) DeepSleep() error {
	s.deep++

	return nil
}

func testPowerConfig() PowerConfig {
	return PowerConfig{
		IdleToSave:        45 * time.Second,
		LightSleepMinIdle: 5 * time.Second,
		LightSleepMinLead: 10 * time.Second,
		LightSleepMargin:  5 * time.Second,
		LightSleepMax:     15 * time.Second,
	}
}

func newTestPower(t0 time.Time) (*PowerScheduler, *mockGovernor, *mockSleeper) {
	var gov = &mockGovernor{}
	var sleeper = &mockSleeper{}

	return NewPowerScheduler(testPowerConfig(), gov, sleeper, t0, quietLogger()), gov, sleeper
}

func TestPowerSaveAfterIdleThreshold(t *testing.T) {
	var t0 = time.Now()
	var s, gov, _ = newTestPower(t0)

	s.Tick(t0.Add(45*time.Second), false, false)
	assert.Equal(t, PowerActive, s.State(), "threshold not exceeded yet")

	s.Tick(t0.Add(46*time.Second), false, false)
	assert.Equal(t, PowerSave, s.State())
	require.Len(t, gov.levels, 1)
	assert.Equal(t, ClockReduced, gov.levels[0])
}

func TestPowerStaysActiveWhileConnected(t *testing.T) {
	var t0 = time.Now()
	var s, gov, _ = newTestPower(t0)

	s.Tick(t0.Add(10*time.Minute), true, false)

	assert.Equal(t, PowerActive, s.State())
	assert.Empty(t, gov.levels)
}

func TestPowerStaysActiveDuringTransfer(t *testing.T) {
	var t0 = time.Now()
	var s, _, _ = newTestPower(t0)

	s.Tick(t0.Add(10*time.Minute), false, true)

	assert.Equal(t, PowerActive, s.State())
}

func TestPowerWakesOnActivity(t *testing.T) {
	var t0 = time.Now()
	var s, gov, _ = newTestPower(t0)

	s.Tick(t0.Add(time.Minute), false, false)
	require.Equal(t, PowerSave, s.State())

	var tButton = t0.Add(2 * time.Minute)
	s.MarkActivity(tButton)
	s.Tick(tButton, false, false)

	assert.Equal(t, PowerActive, s.State())
	assert.Equal(t, []ClockLevel{ClockReduced, ClockNormal}, gov.levels)
}

func TestPowerWakesOnConnect(t *testing.T) {
	var t0 = time.Now()
	var s, _, _ = newTestPower(t0)

	s.Tick(t0.Add(time.Minute), false, false)
	require.Equal(t, PowerSave, s.State())

	s.Tick(t0.Add(2*time.Minute), true, false)
	assert.Equal(t, PowerActive, s.State())
}

func TestLightSleepDuration(t *testing.T) {
	var t0 = time.Now()
	var s, _, sleeper = newTestPower(t0)

	var now = t0.Add(6 * time.Second) // idle 6s, quiet enough

	var slept = s.MaybeLightSleep(now, true, false, 12*time.Second, true)
	assert.Equal(t, 7*time.Second, slept, "capture in 12s, margin 5s")
	require.Len(t, sleeper.light, 1)
	assert.Equal(t, 7*time.Second, sleeper.light[0])

	// The idle clock restarted at wake, so an immediate retry refuses.
	assert.Zero(t, s.MaybeLightSleep(now.Add(7*time.Second), true, false, 5*time.Second, true))
}

func TestLightSleepCappedWithoutSchedule(t *testing.T) {
	var t0 = time.Now()
	var s, _, _ = newTestPower(t0)

	var slept = s.MaybeLightSleep(t0.Add(6*time.Second), true, false, 0, false)
	assert.Equal(t, 15*time.Second, slept)
}

func TestLightSleepRefusals(t *testing.T) {
	var t0 = time.Now()
	var s, _, sleeper = newTestPower(t0)
	var now = t0.Add(6 * time.Second)

	assert.Zero(t, s.MaybeLightSleep(now, false, false, time.Minute, true), "disconnected")
	assert.Zero(t, s.MaybeLightSleep(now, true, true, time.Minute, true), "image upload in flight")
	assert.Zero(t, s.MaybeLightSleep(t0.Add(2*time.Second), true, false, time.Minute, true), "not idle long enough")
	assert.Zero(t, s.MaybeLightSleep(now, true, false, 8*time.Second, true), "capture too close")
	assert.Empty(t, sleeper.light)
}

func TestDeepSleepIsTerminal(t *testing.T) {
	var t0 = time.Now()
	var s, _, sleeper = newTestPower(t0)

	s.EnterDeepSleep()
	assert.Equal(t, PowerDeepSleep, s.State())
	assert.Equal(t, 1, sleeper.deep)

	s.EnterDeepSleep()
	assert.Equal(t, 1, sleeper.deep, "re-entry is a no-op")

	s.Tick(t0.Add(time.Hour), true, false)
	assert.Equal(t, PowerDeepSleep, s.State(), "only a hardware wake leaves deep sleep")

	assert.Zero(t, s.MaybeLightSleep(t0.Add(time.Hour), true, false, time.Minute, true))
}
