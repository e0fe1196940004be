package lorgnette

import (
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWSLink(t *testing.T) (*WSLink, *eventRecorder) {
	t.Helper()

	var rec = &eventRecorder{}
	var l, err = NewWSLink("127.0.0.1:0", testInfo, rec, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l, rec
}

func dialWS(t *testing.T, l *WSLink) *websocket.Conn {
	t.Helper()

	var url = fmt.Sprintf("ws://%s/link", l.Addr())
	var conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readWSMessages(t *testing.T, conn *websocket.Conn, want int) [][]byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msgs [][]byte
	for len(msgs) < want {
		var msgType, data, err = conn.ReadMessage()
		require.NoError(t, err)

		if msgType != websocket.BinaryMessage {
			continue
		}

		msgs = append(msgs, data)
	}

	return msgs
}

func TestWSLinkServesDeviceInfoFirst(t *testing.T) {
	var l, rec = newTestWSLink(t)
	var conn = dialWS(t, l)

	var msgs = readWSMessages(t, conn, 1)
	require.Equal(t, ChanDeviceInfo, msgs[0][0])

	var info, err = ParseDeviceInfo(msgs[0][1:])
	require.NoError(t, err)
	assert.Equal(t, testInfo, info)

	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.connectCount())
}

func TestWSLinkNotifiesClient(t *testing.T) {
	var l, _ = newTestWSLink(t)
	var conn = dialWS(t, l)

	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)

	var pkt = BuildAudioPacket(3, []byte{0xAA, 0xBB})
	require.NoError(t, l.NotifyAudio(pkt))
	require.NoError(t, l.NotifyBattery(55))

	var msgs = readWSMessages(t, conn, 3)
	assert.Equal(t, append([]byte{ChanAudio}, pkt...), msgs[1])
	assert.Equal(t, []byte{ChanBattery, 55}, msgs[2])
}

func TestWSLinkDispatchesClientMessages(t *testing.T) {
	var l, rec = newTestWSLink(t)
	var conn = dialWS(t, l)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{ChanAudioSubscribe, 1}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{ChanPhotoControl, 0xFF}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{ChanUpgradeControl, UpgradeOpGetStatus}))

	// A text message on the same socket is ignored, not dispatched.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	require.Eventually(t, func() bool {
		return len(rec.commandLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []bool{true}, rec.subscribeLog())
	assert.Equal(t, []byte{0xFF}, rec.controlLog())
	assert.Equal(t, [][]byte{{UpgradeOpGetStatus}}, rec.commandLog())
}

func TestWSLinkNewClientSupersedes(t *testing.T) {
	var l, rec = newTestWSLink(t)

	var first = dialWS(t, l)
	readWSMessages(t, first, 1)

	var second = dialWS(t, l)
	var msgs = readWSMessages(t, second, 1)
	require.Equal(t, ChanDeviceInfo, msgs[0][0])

	require.Eventually(t, func() bool {
		return rec.disconnectCount() == 1 && rec.connectCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The first client's socket was closed out from under it.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var _, _, err = first.ReadMessage()
		if err != nil {
			break
		}
	}

	require.NoError(t, l.NotifyBattery(9))
	var more = readWSMessages(t, second, 1)
	assert.Equal(t, []byte{ChanBattery, 9}, more[0])
}

func TestWSLinkClientGoneDetaches(t *testing.T) {
	var l, rec = newTestWSLink(t)

	var conn = dialWS(t, l)
	readWSMessages(t, conn, 1)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return !l.Connected() && rec.disconnectCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, l.NotifyBattery(10), errNotConnected)
}

func TestWSLinkCloseDropsClientAndListener(t *testing.T) {
	var l, _ = newTestWSLink(t)
	var url = fmt.Sprintf("ws://%s/link", l.Addr())

	var conn = dialWS(t, l)
	readWSMessages(t, conn, 1)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var _, _, readErr = conn.ReadMessage()
	assert.Error(t, readErr)

	var _, _, dialErr = websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, dialErr)
	assert.False(t, l.Connected())
}
