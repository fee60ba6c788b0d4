package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamHandler_SnapshotThenUpdates(t *testing.T) {
	previous := featureFlags
	featureFlags.Stream = true
	t.Cleanup(func() { featureFlags = previous })

	h := newHubHarness(t, defaultGlobalSettings())
	stream := NewStreamHandler(h.hub, StreamHandlerConfig{Logger: quietLogger})
	server := httptest.NewServer(http.HandlerFunc(stream.Handle))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream?playerId=p1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first streamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.State)
	assert.Equal(t, uint64(0), first.State.LocalVersion)

	session, err := h.hub.Open(context.Background(), "p1")
	require.NoError(t, err)
	_, err = session.Store.ApplyTap(testEpoch)
	require.NoError(t, err)

	var update streamMessage
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "state", update.Type)
	assert.Equal(t, uint64(1), update.State.LocalVersion)
	assert.Equal(t, int64(1), update.State.Points)
	require.NotNil(t, update.Sync)
	assert.Equal(t, "pending", update.Sync.State)
}

func TestStreamHandler_RejectsBadPlayer(t *testing.T) {
	previous := featureFlags
	featureFlags.Stream = true
	t.Cleanup(func() { featureFlags = previous })

	h := newHubHarness(t, defaultGlobalSettings())
	stream := NewStreamHandler(h.hub, StreamHandlerConfig{Logger: quietLogger})

	rec := httptest.NewRecorder()
	stream.Handle(rec, httptest.NewRequest(http.MethodGet, "/stream?playerId=../x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, h.hub.Count())
}

func TestStreamHandler_ClosesWhenSessionEnds(t *testing.T) {
	previous := featureFlags
	featureFlags.Stream = true
	t.Cleanup(func() { featureFlags = previous })

	h := newHubHarness(t, defaultGlobalSettings())
	stream := NewStreamHandler(h.hub, StreamHandlerConfig{Logger: quietLogger})
	server := httptest.NewServer(http.HandlerFunc(stream.Handle))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream?playerId=p1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first streamMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "snapshot", first.Type)

	session, err := h.hub.Open(context.Background(), "p1")
	require.NoError(t, err)
	_, err = session.Store.ApplyTap(testEpoch)
	require.NoError(t, err)
	require.NoError(t, h.hub.Close(context.Background(), "p1"))

	var last streamMessage
	for last.Type != "closed" {
		last = streamMessage{}
		require.NoError(t, conn.ReadJSON(&last))
	}
	require.NotNil(t, last.Sync)
	assert.Equal(t, uint64(1), last.Sync.FlushedVersion, "the final flush ran before the socket was told")

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
