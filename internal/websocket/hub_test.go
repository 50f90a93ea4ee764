package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sspdesk/internal/infrastructure"
)

func testLogger() *slog.Logger {
	return infrastructure.NewLoggerWithWriter(io.Discard, "debug")
}

// startHub runs a hub until the test ends
func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub, err := NewHub(testLogger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, hub.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, cancel
}

func receive(t *testing.T, ch <-chan []byte) Message {
	t.Helper()
	select {
	case raw, ok := <-ch:
		require.True(t, ok, "send channel closed")
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestHub_RegisterGreetsClient(t *testing.T) {
	hub, _ := startHub(t)
	c := NewClient(hub, NewMockConnection(), testLogger())

	require.True(t, hub.Register(c))

	msg := receive(t, c.send)
	assert.Equal(t, TypeConnection, msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, c.ID(), data["client_id"])
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_BroadcastLicenseChanged(t *testing.T) {
	hub, _ := startHub(t)
	a := NewClient(hub, NewMockConnection(), testLogger())
	b := NewClient(hub, NewMockConnection(), testLogger())
	require.True(t, hub.Register(a))
	require.True(t, hub.Register(b))
	receive(t, a.send)
	receive(t, b.send)

	ctx := infrastructure.WithTraceID(context.Background(), "trace-1")
	hub.Broadcast(ctx, TypeLicenseChanged, map[string]interface{}{"valid": false, "reason": "expired"})

	for _, c := range []*Client{a, b} {
		msg := receive(t, c.send)
		assert.Equal(t, TypeLicenseChanged, msg.Type)
		assert.Equal(t, "trace-1", msg.TraceID)
		data := msg.Data.(map[string]interface{})
		assert.Equal(t, "expired", data["reason"])
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub, _ := startHub(t)
	c := NewClient(hub, NewMockConnection(), testLogger())
	require.True(t, hub.Register(c))
	receive(t, c.send)

	hub.Unregister(c)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-c.send
	assert.False(t, ok)

	// a second unregister is harmless
	hub.Unregister(c)
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub, _ := startHub(t)
	c := NewClient(hub, NewMockConnection(), testLogger())
	c.send = make(chan []byte) // never has room

	require.True(t, hub.Register(c))
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(context.Background(), TypeLicenseChanged, nil)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_StopClosesClients(t *testing.T) {
	hub, cancel := startHub(t)
	c := NewClient(hub, NewMockConnection(), testLogger())
	require.True(t, hub.Register(c))
	receive(t, c.send)

	cancel()

	select {
	case _, ok := <-c.send:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed on shutdown")
	}
	assert.Eventually(t, func() bool { return !hub.Register(NewClient(hub, NewMockConnection(), testLogger())) },
		time.Second, 10*time.Millisecond)

	// broadcasting after shutdown returns
	hub.Broadcast(context.Background(), TypeLicenseChanged, nil)
}

func TestClient_WritePump(t *testing.T) {
	hub, err := NewHub(testLogger(), nil)
	require.NoError(t, err)
	conn := NewMockConnection()
	c := NewClient(hub, conn, testLogger())

	c.send <- []byte(`{"type":"license_changed"}`)
	close(c.send)
	c.WritePump()

	written := conn.GetWrittenMessages()
	require.Len(t, written, 2)
	assert.Equal(t, websocket.TextMessage, written[0].Type)
	assert.JSONEq(t, `{"type":"license_changed"}`, string(written[0].Data))
	assert.Equal(t, websocket.CloseMessage, written[1].Type)
	assert.True(t, conn.IsClosed())
}

func TestClient_ReadPumpUnregisters(t *testing.T) {
	hub, _ := startHub(t)
	conn := NewMockConnection()
	conn.AddReadMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`), nil)
	c := NewClient(hub, conn, testLogger())
	require.True(t, hub.Register(c))
	receive(t, c.send)

	c.ReadPump()

	assert.Equal(t, int64(maxMessageSize), conn.ReadLimit)
	assert.True(t, conn.IsClosed())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandler_EndToEnd(t *testing.T) {
	hub, _ := startHub(t)
	srv := httptest.NewServer(NewHandler(hub, HandlerConfig{AllowedOrigins: []string{"http://localhost:5173"}}, testLogger()))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("allowed origin receives license changes", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://localhost:5173"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()

		var greeting Message
		require.NoError(t, conn.ReadJSON(&greeting))
		assert.Equal(t, TypeConnection, greeting.Type)

		hub.Broadcast(context.Background(), TypeLicenseChanged, map[string]string{"tier": "standard"})

		var msg Message
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, TypeLicenseChanged, msg.Type)
	})

	t.Run("foreign origin rejected", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
