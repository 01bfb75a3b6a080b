package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelfwd/agent/internal/config"
	"github.com/tunnelfwd/agent/internal/frame"
	"github.com/tunnelfwd/agent/internal/logging"
	"github.com/tunnelfwd/agent/internal/registry"
)

func idFor(b byte) frame.RequestID {
	var id frame.RequestID
	id[len(id)-1] = b
	return id
}

func TestDialSendsBearerAuthAndRelayURL(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := config.SessionConfig{
		Tunnels:  []config.TunnelDescriptor{{RemoteName: "app", Label: "app"}},
		APIKey:   "secret",
		Hostname: strings.TrimPrefix(srv.URL, "http://"),
		Secure:   false,
		ClientID: "cid",
	}

	reg := registry.New(func(frame.RequestID, frame.Frame, <-chan frame.Frame) {}, func([]byte) {})
	s, err := Dial(context.Background(), cfg, reg, logging.Nop{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Contains(t, gotPath, "/api/tunnel?")
	assert.Contains(t, gotPath, "s=app%7Capp")
}

func TestRunRoutesDecodedFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		f := frame.Encode(frame.Frame{RequestID: idFor(1), Type: frame.TypeHTTP, Payload: []byte("x")})
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, f))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := config.SessionConfig{Hostname: strings.TrimPrefix(srv.URL, "http://"), ClientID: "c"}

	var mu sync.Mutex
	var routed []frame.RequestID
	reg := registry.New(func(id frame.RequestID, first frame.Frame, sub <-chan frame.Frame) {
		mu.Lock()
		routed = append(routed, id)
		mu.Unlock()
	}, func([]byte) {})

	s, err := Dial(context.Background(), cfg, reg, logging.Nop{})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(routed) == 1
	}, time.Second, 5*time.Millisecond)
}
