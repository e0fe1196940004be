package lorgnette

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutDeliversToEveryConnectedLink(t *testing.T) {
	var a = &recordingLink{connected: true}
	var b = &recordingLink{connected: true}
	var c = &recordingLink{connected: false}
	var f = NewFanoutLink(a, b, c)

	assert.True(t, f.Connected())
	require.NoError(t, f.NotifyBattery(42))

	assert.Equal(t, []byte{42}, a.battery)
	assert.Equal(t, []byte{42}, b.battery)
	assert.Empty(t, c.battery, "disconnected links are skipped")
}

func TestFanoutSucceedsWhenOneDeliveryDoes(t *testing.T) {
	var broken = &recordingLink{connected: true, failAll: true}
	var ok = &recordingLink{connected: true}
	var f = NewFanoutLink(broken, ok)

	assert.NoError(t, f.NotifyAudio([]byte{0, 0, 0, 1}))
	assert.Len(t, ok.audio, 1)
}

func TestFanoutPropagatesTotalFailure(t *testing.T) {
	var broken = &recordingLink{connected: true, failAll: true}
	var f = NewFanoutLink(broken)

	assert.Error(t, f.NotifyAudio([]byte{0, 0, 0, 1}))
}

func TestFanoutNobodyConnected(t *testing.T) {
	var f = NewFanoutLink(&recordingLink{}, &recordingLink{})

	assert.False(t, f.Connected())
	assert.ErrorIs(t, f.NotifyPhoto([]byte{0xFF, 0xFF}), errNotConnected)
}

func TestFanoutCloseClosesAll(t *testing.T) {
	var a = &recordingLink{connected: true}
	var b = &recordingLink{connected: true}
	var f = NewFanoutLink(a, b)

	require.NoError(t, f.Close())
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
}

func TestDeviceInfoRoundTrip(t *testing.T) {
	var info = DeviceInfo{
		Manufacturer: "Acme",
		Model:        "Lorgnette",
		FirmwareRev:  "1.2.3-rc1",
		CodecID:      CodecOpus16kMono,
	}

	var got, err = ParseDeviceInfo(EncodeDeviceInfo(info))
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestDeviceInfoMalformed(t *testing.T) {
	var cases = [][]byte{
		nil,
		{21},
		{21, 2, 'A'},            // manufacturer truncated
		{21, 1, 'A', 1, 'B', 9}, // firmware length overruns
		append(EncodeDeviceInfo(DeviceInfo{}), 0xEE), // trailing byte
	}

	for _, b := range cases {
		var _, err = ParseDeviceInfo(b)
		assert.ErrorIs(t, err, ErrMalformed, "input %v", b)
	}
}
