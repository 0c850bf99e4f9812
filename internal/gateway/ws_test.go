package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/eventbus"
	"github.com/xiaot623/fleetd/internal/logger"
)

type wsFixture struct {
	*fixture
	hub *Hub
	url string
}

func newWSFixture(t *testing.T, busOpts eventbus.Options) *wsFixture {
	t.Helper()
	f := newFixture(t, busOpts)
	hub := NewHub(logger.Discard())
	srv := NewServer(f.gw, hub, ServerOptions{}, logger.Discard())

	e := echo.New()
	e.GET("/v1/stream", srv.HandleStream)
	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		hub.CloseAll()
		ts.Close()
	})
	return &wsFixture{fixture: f, hub: hub, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// read returns the next message type and its raw bytes.
func read(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var base BaseMessage
	require.NoError(t, json.Unmarshal(data, &base))
	return base.Type, data
}

func TestStreamSnapshotThenEvents(t *testing.T) {
	f := newWSFixture(t, eventbus.Options{})
	_, err := f.reg.Upsert("a1", nil)
	require.NoError(t, err)

	conn := dial(t, f.url)
	send(t, conn, map[string]interface{}{"type": TypeSubscribe})

	typ, data := read(t, conn)
	require.Equal(t, TypeSnapshot, typ)
	var snap SnapshotMessage
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, uint64(1), snap.Snapshot.Sequence)
	assert.Len(t, snap.Snapshot.Agents, 1)
	assert.NotEmpty(t, snap.SessionID)

	_, err = f.reg.Upsert("a2", nil)
	require.NoError(t, err)

	typ, data = read(t, conn)
	require.Equal(t, TypeEvent, typ)
	var ev EventMessage
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, uint64(2), ev.Event.Sequence)
	assert.Equal(t, domain.TopicAgentUpdated, ev.Event.Topic)

	assert.Equal(t, 1, f.hub.ConnectionCount())
}

func TestStreamResume(t *testing.T) {
	f := newWSFixture(t, eventbus.Options{})
	for _, id := range []string{"a1", "a2"} {
		_, err := f.reg.Upsert(id, nil)
		require.NoError(t, err)
	}

	conn := dial(t, f.url)
	send(t, conn, map[string]interface{}{"type": TypeSubscribe, "from_sequence": 1})

	typ, _ := read(t, conn)
	require.Equal(t, TypeSubscribed, typ)

	typ, data := read(t, conn)
	require.Equal(t, TypeEvent, typ)
	var ev EventMessage
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, uint64(2), ev.Event.Sequence)
}

func TestStreamResumeTooOld(t *testing.T) {
	f := newWSFixture(t, eventbus.Options{ReplayBufferSize: 1})
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := f.reg.Upsert(id, nil)
		require.NoError(t, err)
	}

	conn := dial(t, f.url)
	send(t, conn, map[string]interface{}{"type": TypeSubscribe, "from_sequence": 0})

	typ, data := read(t, conn)
	require.Equal(t, TypeError, typ)
	var msg ErrorMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, ErrorCodeSequenceTooOld, msg.Code)
}

func TestStreamSnapshotRequestAndPing(t *testing.T) {
	f := newWSFixture(t, eventbus.Options{})
	conn := dial(t, f.url)

	send(t, conn, map[string]interface{}{"type": TypeSnapshotRequest})
	typ, data := read(t, conn)
	require.Equal(t, TypeError, typ)
	var msg ErrorMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, ErrorCodeSessionRequired, msg.Code)

	send(t, conn, map[string]interface{}{"type": TypeSubscribe})
	typ, _ = read(t, conn)
	require.Equal(t, TypeSnapshot, typ)

	send(t, conn, map[string]interface{}{"type": TypeSnapshotRequest})
	typ, _ = read(t, conn)
	assert.Equal(t, TypeSnapshot, typ)

	send(t, conn, map[string]interface{}{"type": TypePing})
	typ, _ = read(t, conn)
	assert.Equal(t, TypePong, typ)

	send(t, conn, map[string]interface{}{"type": "bogus"})
	typ, _ = read(t, conn)
	assert.Equal(t, TypeError, typ)
}

func TestStreamDisconnectReleasesSession(t *testing.T) {
	f := newWSFixture(t, eventbus.Options{})
	conn := dial(t, f.url)
	send(t, conn, map[string]interface{}{"type": TypeSubscribe})
	typ, _ := read(t, conn)
	require.Equal(t, TypeSnapshot, typ)
	require.Equal(t, 1, f.bus.SubscriberCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount() == 0 && f.hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
