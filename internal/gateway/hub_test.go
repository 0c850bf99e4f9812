package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseAllLogsFailedWrites(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	hub := NewHub(log)

	upgraded := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- ws
	}))
	defer ts.Close()
	dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))

	ws := <-upgraded
	conn := hub.NewConnection(ws)
	hub.Register(conn)
	require.NoError(t, ws.Close())

	hub.CloseAll()
	assert.Equal(t, 0, hub.ConnectionCount())

	var messages []string
	for _, entry := range hook.AllEntries() {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "failed to send close frame")
}
