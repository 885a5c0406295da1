package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireMessage struct {
	MessageType string                 `json:"message_type"`
	Channel     string                 `json:"channel"`
	Data        map[string]interface{} `json:"data"`
	Error       string                 `json:"error"`
}

func dialObserver(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_Protocol(t *testing.T) {
	s, svc := newTestServer(t, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dialObserver(t, ts)

	hello := readMessage(t, conn)
	assert.Equal(t, models.MessageConnectionEstablished, hello.MessageType)
	assert.NotEmpty(t, hello.Data["connection_id"])
	assert.Len(t, hello.Data["available_channels"], len(models.Channels))

	require.NoError(t, conn.WriteJSON(models.ClientMessage{
		Type:     models.ClientSubscribe,
		Channels: []string{models.ChannelMachineUpdates, models.ChannelAlerts},
	}))
	confirmed := readMessage(t, conn)
	assert.Equal(t, models.MessageSubscriptionConfirmed, confirmed.MessageType)
	assert.ElementsMatch(t, []interface{}{"alerts", "machine_updates"}, confirmed.Data["subscriptions"])

	assert.Eventually(t, func() bool {
		return svc.Broadcaster.SubscriberCount(models.ChannelMachineUpdates) == 1
	}, time.Second, 10*time.Millisecond)

	_, _, err := svc.Registry.Register(context.Background(), models.RegistrationRequest{Hostname: "kiosk-3"})
	require.NoError(t, err)

	update := readMessage(t, conn)
	assert.Equal(t, models.MessageMachineStatus, update.MessageType)
	assert.Equal(t, models.ChannelMachineUpdates, update.Channel)
	assert.Equal(t, "kiosk-3", update.Data["hostname"])

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientPing, Data: map[string]interface{}{"seq": 7}}))
	pong := readMessage(t, conn)
	assert.Equal(t, models.MessagePong, pong.MessageType)
	assert.EqualValues(t, 7, pong.Data["seq"])

	require.NoError(t, conn.WriteJSON(models.ClientMessage{
		Type:     models.ClientUnsubscribe,
		Channels: []string{models.ChannelAlerts},
	}))
	unsub := readMessage(t, conn)
	assert.Equal(t, models.MessageUnsubscriptionConfirmed, unsub.MessageType)

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientGetSubscriptions}))
	subs := readMessage(t, conn)
	assert.Equal(t, models.MessageSubscriptions, subs.MessageType)
	assert.Equal(t, []interface{}{"machine_updates"}, subs.Data["subscriptions"])
}

func TestWebSocket_Errors(t *testing.T) {
	s, svc := newTestServer(t, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dialObserver(t, ts)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientSubscribe, Channels: []string{"gossip"}}))
	msg := readMessage(t, conn)
	assert.Equal(t, models.MessageError, msg.MessageType)
	assert.Contains(t, msg.Error, "gossip")
	assert.Zero(t, svc.Broadcaster.SubscriberCount("gossip"))

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: "dance"}))
	msg = readMessage(t, conn)
	assert.Equal(t, models.MessageError, msg.MessageType)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg = readMessage(t, conn)
	assert.Equal(t, models.MessageError, msg.MessageType)

	// The connection survives malformed frames
	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.ClientPing}))
	msg = readMessage(t, conn)
	assert.Equal(t, models.MessagePong, msg.MessageType)
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	s, svc := newTestServer(t, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dialObserver(t, ts)
	readMessage(t, conn)
	assert.Equal(t, 1, svc.Broadcaster.ConnectionCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool {
		return svc.Broadcaster.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
