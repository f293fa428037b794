package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseodev/paseo/internal/common/logger"
	"github.com/paseodev/paseo/internal/crypto"
	"github.com/paseodev/paseo/internal/events/bus"
	"github.com/paseodev/paseo/internal/manager"
	"github.com/paseodev/paseo/internal/provider"
	"github.com/paseodev/paseo/internal/session"
	"github.com/paseodev/paseo/internal/store"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// fakeRelay is a minimal rendezvous server: it pairs a daemon data link
// with the client link sharing its connectionId and forwards frames
// verbatim, recording every forwarded byte for opacity assertions.
type fakeRelay struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	control  map[string]*websocket.Conn
	waiting  map[string]chan *websocket.Conn
	observed bytes.Buffer
	nextID   int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		control:  make(map[string]*websocket.Conn),
		waiting:  make(map[string]chan *websocket.Conn),
	}
}

func (r *fakeRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	serverID := q.Get("serverId")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	if q.Get("role") == "server" {
		if connID := q.Get("connectionId"); connID != "" {
			r.mu.Lock()
			ch := r.waiting[serverID+"/"+connID]
			r.mu.Unlock()
			if ch == nil {
				_ = conn.Close()
				return
			}
			ch <- conn // the client goroutine pumps both directions
			return
		}
		r.mu.Lock()
		r.control[serverID] = conn
		r.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	// Client link: announce it and wait for the daemon's data link.
	r.mu.Lock()
	r.nextID++
	connID := fmt.Sprintf("c%d", r.nextID)
	ch := make(chan *websocket.Conn, 1)
	r.waiting[serverID+"/"+connID] = ch
	ctrl := r.control[serverID]
	r.mu.Unlock()
	if ctrl == nil {
		_ = conn.Close()
		return
	}
	if err := ctrl.WriteJSON(notification{Type: "connected", ConnectionID: connID}); err != nil {
		_ = conn.Close()
		return
	}

	var daemonConn *websocket.Conn
	select {
	case daemonConn = <-ch:
	case <-time.After(5 * time.Second):
		_ = conn.Close()
		return
	}

	go r.pump(conn, daemonConn)
	r.pump(daemonConn, conn)
}

func (r *fakeRelay) pump(src, dst *websocket.Conn) {
	defer dst.Close()
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.observed.Write(data)
		r.mu.Unlock()
		if err := dst.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (r *fakeRelay) observedBytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.observed.Bytes()...)
}

func newRelayHub(t *testing.T) *session.Hub {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	providers := provider.NewRegistry()
	providers.Register(v1.ProviderMock, provider.NewMockFactory())

	mgr := manager.New(manager.Options{
		Providers: providers,
		Bus:       b,
		Store:     store.New(filepath.Join(t.TempDir(), "agents.json"), log),
		Log:       log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	hub, err := session.NewHub(session.Options{Manager: mgr, Bus: b, Log: log})
	require.NoError(t, err)
	t.Cleanup(hub.Close)
	return hub
}

func TestRelayEndToEnd(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	relayURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	daemonID, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	hub := newRelayHub(t)
	client, err := NewClient(Options{
		URL:      relayURL,
		ServerID: "srv1",
		KeyPair:  daemonID,
		Hub:      hub,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()

	// Wait for the control link to register.
	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.control["srv1"] != nil
	}, 5*time.Second, 10*time.Millisecond)

	// Remote client side of the handshake.
	remote, resp, err := websocket.DefaultDialer.Dial(relayURL+"/?serverId=srv1&v=2", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = remote.Close() })

	clientID, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	hello, err := json.Marshal(helloMessage{Type: "hello", Key: clientID.PublicKeyBase64()})
	require.NoError(t, err)
	require.NoError(t, remote.WriteMessage(websocket.TextMessage, hello))

	key, err := crypto.DeriveSharedKey(clientID.Private, daemonID.Public)
	require.NoError(t, err)
	box, err := crypto.NewSecureBox(key)
	require.NoError(t, err)

	readSealed := func() map[string]any {
		require.NoError(t, remote.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, frame, err := remote.ReadMessage()
		require.NoError(t, err)
		plaintext, err := box.Open(frame)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(plaintext, &m))
		return m
	}
	writeSealed := func(msg map[string]any) {
		plaintext, err := json.Marshal(map[string]any{"type": "session", "message": msg})
		require.NoError(t, err)
		frame, err := box.Seal(plaintext)
		require.NoError(t, err)
		require.NoError(t, remote.WriteMessage(websocket.BinaryMessage, frame))
	}

	// First frame after the handshake is the session snapshot.
	first := readSealed()
	assert.Equal(t, "session_state", first["type"])

	writeSealed(map[string]any{"type": "subscribe_agents_request", "subscriptionId": "s1"})
	second := readSealed()
	assert.Equal(t, "session_state", second["type"])

	// The relay forwarded the hello and only ciphertext afterwards.
	observed := relay.observedBytes()
	assert.True(t, bytes.Contains(observed, []byte("hello")))
	assert.False(t, bytes.Contains(observed, []byte("session_state")))
	assert.False(t, bytes.Contains(observed, []byte("subscribe_agents_request")))
}

func TestRelayRejectsForgedFrames(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	relayURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	daemonID, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	hub := newRelayHub(t)
	client, err := NewClient(Options{URL: relayURL, ServerID: "srv1", KeyPair: daemonID, Hub: hub})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()
	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.control["srv1"] != nil
	}, 5*time.Second, 10*time.Millisecond)

	remote, resp, err := websocket.DefaultDialer.Dial(relayURL+"/?serverId=srv1&v=2", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = remote.Close() })

	clientID, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	hello, err := json.Marshal(helloMessage{Type: "hello", Key: clientID.PublicKeyBase64()})
	require.NoError(t, err)
	require.NoError(t, remote.WriteMessage(websocket.TextMessage, hello))

	// Drain the sealed session_state, then send garbage. The daemon
	// must drop the link.
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = remote.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, remote.WriteMessage(websocket.BinaryMessage, []byte("not a sealed frame")))

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = remote.ReadMessage()
	assert.Error(t, err)
}

func TestNewClientValidation(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = NewClient(Options{ServerID: "s", KeyPair: kp})
	assert.Error(t, err)
	_, err = NewClient(Options{URL: "ws://x", KeyPair: kp})
	assert.Error(t, err)
	_, err = NewClient(Options{URL: "ws://x", ServerID: "s"})
	assert.Error(t, err)
}
