package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/char5742/keyball-trackball/internal/log"
	"github.com/char5742/keyball-trackball/internal/motion"
)

func runHub(t *testing.T, hub *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func registerClient(t *testing.T, hub *Hub, sendBuf int) *client {
	t.Helper()
	c := &client{hub: hub, send: make(chan []byte, sendBuf), remoteAddr: t.Name()}
	before := hub.Clients()
	require.True(t, hub.addClient(c))
	assert.Equal(t, before+1, hub.Clients())
	return c
}

func decode(t *testing.T, msg []byte) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestHub_PublishFansOut(t *testing.T) {
	hub := NewHub(log.Discard(), HubConfig{SendBuf: 4, BroadcastBuf: 8}, nil)
	runHub(t, hub)

	c1 := registerClient(t, hub, 4)
	c2 := registerClient(t, hub, 4)

	hub.Publish(TypeReport, motion.Report{X: 3, V: -1})

	for _, c := range []*client{c1, c2} {
		select {
		case msg := <-c.send:
			env := decode(t, msg)
			assert.Equal(t, TypeReport, env.Type)
			assert.JSONEq(t, `{"x":3,"y":0,"v":-1,"h":0}`, string(env.Data))
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestHub_DisconnectsSlowClient(t *testing.T) {
	hub := NewHub(log.Discard(), HubConfig{SendBuf: 1, BroadcastBuf: 8}, nil)
	runHub(t, hub)

	slow := registerClient(t, hub, 1)
	hub.Publish(TypeMode, "move")
	hub.Publish(TypeMode, "scroll")

	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)

	// キューに残った1件の後でチャネルが閉じられる
	_, ok := <-slow.send
	assert.True(t, ok)
	_, ok = <-slow.send
	assert.False(t, ok)
}

func TestHub_ServeHTTPSendsStateInitFirst(t *testing.T) {
	hub := NewHub(log.Discard(), HubConfig{}, func() any {
		return map[string]string{"mode": "move"}
	})
	runHub(t, hub)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	env := decode(t, msg)
	assert.Equal(t, TypeStateInit, env.Type)
	assert.JSONEq(t, `{"mode":"move"}`, string(env.Data))

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(TypeGesture, map[string]string{"action": "navigate_back"})

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeGesture, decode(t, msg).Type)
}

func TestHub_RejectsClientsAfterShutdown(t *testing.T) {
	hub := NewHub(log.Discard(), HubConfig{}, func() any { return map[string]bool{"running": false} })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	cancel()
	<-done

	srv := httptest.NewServer(hub)
	defer srv.Close()

	// 停止後の接続は登録されず、すぐに閉じられる
	for i := 0; i < 20; i++ {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		require.NoError(t, err)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, "connection %d", i)
		assert.Equal(t, websocket.CloseGoingAway, ce.Code)
		_ = conn.Close()
	}
	assert.Equal(t, 0, hub.Clients())
}
