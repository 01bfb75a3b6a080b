// Package session owns the duplex channel to the relay: dialing,
// authentication, and the read/write loop. It is the tunnel session,
// C4 in the component design — exactly one instance is ever live per
// supervisor.
package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tunnelfwd/agent/internal/config"
	"github.com/tunnelfwd/agent/internal/frame"
	"github.com/tunnelfwd/agent/internal/logging"
	"github.com/tunnelfwd/agent/internal/registry"
)

// Session is the single owner of the duplex channel. Writes from any
// PerRequest go through Send, which serializes at frame granularity.
type Session struct {
	conn *websocket.Conn
	reg  *registry.Registry
	log  logging.Logger

	writeMu sync.Mutex
	errCh   chan error
}

// Dial opens the duplex channel and registers the configured routes.
// A successful return is the "channel-ready" event; the caller (the
// supervisor) is responsible for the settle-delay logic around it.
func Dial(ctx context.Context, cfg config.SessionConfig, reg *registry.Registry, log logging.Logger) (*Session, error) {
	u := config.RelayURL(cfg)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	if cfg.UserAgent != "" {
		header.Set("User-Agent", cfg.UserAgent)
	}

	log.Debugf("dialing relay at %s", u)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, err
	}

	return &Session{
		conn:  conn,
		reg:   reg,
		log:   log,
		errCh: make(chan error, 1),
	}, nil
}

// Send assembles and writes one frame atomically. Concurrent Sends from
// different PerRequests may interleave with each other at frame
// boundaries but never within a single frame.
func (s *Session) Send(f frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame.Encode(f))
}

// Run drives the read loop: every inbound binary message is decoded and
// routed, malformed frames are silently dropped. It blocks until ctx is
// cancelled or the channel fails; the terminal error (nil for a clean
// cancellation) is delivered on Err().
func (s *Session) Run(ctx context.Context) {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-stopped:
		}
	}()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.errCh <- nil
			} else {
				s.errCh <- err
			}
			return
		}
		f, ok := frame.Decode(msg)
		if !ok {
			s.log.Tracef("dropped malformed frame (%d bytes)", len(msg))
			continue
		}
		s.reg.Route(f)
	}
}

// Err reports the terminal error from Run. Receives exactly once.
func (s *Session) Err() <-chan error { return s.errCh }

// Close tears down the duplex channel. Idempotent.
func (s *Session) Close() error {
	return s.conn.Close()
}
