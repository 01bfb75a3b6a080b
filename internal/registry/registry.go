// Package registry routes inbound tunnel frames to the per-request
// handler responsible for them, keyed by request id.
package registry

import (
	"sync"

	"github.com/tunnelfwd/agent/internal/frame"
)

// NewRequestFunc is invoked once per fresh request id, on its own
// goroutine, with the frame that created it (an `http` or `ws` frame)
// and the channel that will carry every subsequent frame for that id.
type NewRequestFunc func(id frame.RequestID, first frame.Frame, sub <-chan frame.Frame)

// IdleFunc is invoked with the payload of a `go-idle` frame, which is
// not addressed to any particular request.
type IdleFunc func(payload []byte)

// subChanSize bounds how far a slow PerRequest can lag the channel's
// read loop before backpressure reaches the tunnel session.
const subChanSize = 64

// stream is one request id's sub-stream. Its own mutex guards sends
// against a concurrent close, independently of the registry's map
// mutex: Unregister/Reset run from the owning PerRequest's goroutine
// (or the supervisor's teardown path), not from Route's caller, so a
// frame arriving mid-teardown must never hit a closed channel.
type stream struct {
	mu     sync.Mutex
	ch     chan frame.Frame
	closed bool
}

func newStream() *stream {
	return &stream{ch: make(chan frame.Frame, subChanSize)}
}

func (s *stream) send(f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Non-blocking: a PerRequest that has stopped draining (e.g. it
	// already returned after a local half-close) must never wedge the
	// session read loop, which routes frames for every other request
	// too. Drop rather than block.
	select {
	case s.ch <- f:
	default:
	}
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Registry owns the requestId -> sub-stream mapping.
type Registry struct {
	onNewRequest NewRequestFunc
	onIdle       IdleFunc

	mu      sync.Mutex
	streams map[frame.RequestID]*stream
}

// New builds a Registry. onNewRequest may be nil and supplied later via
// SetNewRequest — useful when the handler itself needs a reference back
// to the registry (e.g. for Unregister) and so can't exist before it.
func New(onNewRequest NewRequestFunc, onIdle IdleFunc) *Registry {
	return &Registry{
		onNewRequest: onNewRequest,
		onIdle:       onIdle,
		streams:      make(map[frame.RequestID]*stream),
	}
}

// SetNewRequest installs the handler invoked for fresh request ids.
func (r *Registry) SetNewRequest(f NewRequestFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNewRequest = f
}

// Route dispatches one decoded frame. http/ws frames with a fresh id
// create a new sub-stream and fire onNewRequest; frames for a known id
// are forwarded to that id's sub-stream; go-idle is handed to onIdle;
// anything else with an unknown id is dropped.
func (r *Registry) Route(f frame.Frame) {
	if f.Type == frame.TypeGoIdle {
		r.onIdle(f.Payload)
		return
	}

	r.mu.Lock()
	s, known := r.streams[f.RequestID]
	if !known && (f.Type == frame.TypeHTTP || f.Type == frame.TypeWS) {
		s = newStream()
		r.streams[f.RequestID] = s
		handler := r.onNewRequest
		r.mu.Unlock()
		if handler != nil {
			go handler(f.RequestID, f, s.ch)
		}
		return
	}
	r.mu.Unlock()

	if !known {
		return // other frame types with unknown ids are dropped
	}
	s.send(f)
}

// Unregister tears down one request's sub-stream. Safe to call more
// than once; the second call is a no-op. Safe to race Route: the
// stream's own mutex, not the registry's map mutex, decides whether a
// concurrent send lands before or after the close.
func (r *Registry) Unregister(id frame.RequestID) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

// Reset closes every live sub-stream. Called once per tunnel teardown
// so no PerRequest from the old session survives into the next one.
func (r *Registry) Reset() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[frame.RequestID]*stream)
	r.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}

// Len reports the number of live sub-streams. Test/observability only.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
