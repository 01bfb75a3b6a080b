package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelfwd/agent/internal/frame"
)

func idFor(b byte) frame.RequestID {
	var id frame.RequestID
	id[len(id)-1] = b
	return id
}

func TestRouteCreatesOnFirstHTTPFrame(t *testing.T) {
	var mu sync.Mutex
	var created []frame.RequestID

	r := New(func(id frame.RequestID, first frame.Frame, sub <-chan frame.Frame) {
		mu.Lock()
		created = append(created, id)
		mu.Unlock()
	}, func([]byte) {})

	id := idFor(1)
	r.Route(frame.Frame{RequestID: id, Type: frame.TypeHTTP})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(created) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, r.Len())
}

func TestRouteForwardsToKnownID(t *testing.T) {
	ready := make(chan (<-chan frame.Frame), 1)
	r := New(func(id frame.RequestID, first frame.Frame, sub <-chan frame.Frame) {
		ready <- sub
	}, func([]byte) {})

	id := idFor(2)
	r.Route(frame.Frame{RequestID: id, Type: frame.TypeHTTP})
	sub := <-ready

	r.Route(frame.Frame{RequestID: id, Type: frame.TypeData, Payload: []byte("x")})
	select {
	case f := <-sub:
		assert.Equal(t, frame.TypeData, f.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded frame")
	}
}

func TestRouteDropsUnknownNonCreatingFrame(t *testing.T) {
	r := New(func(frame.RequestID, frame.Frame, <-chan frame.Frame) {}, func([]byte) {})
	r.Route(frame.Frame{RequestID: idFor(3), Type: frame.TypeData})
	assert.Equal(t, 0, r.Len())
}

func TestRouteDispatchesGoIdle(t *testing.T) {
	var got []byte
	done := make(chan struct{})
	r := New(func(frame.RequestID, frame.Frame, <-chan frame.Frame) {}, func(payload []byte) {
		got = payload
		close(done)
	})
	r.Route(frame.Frame{Type: frame.TypeGoIdle, Payload: []byte(`{"db":"d"}`)})
	<-done
	assert.Equal(t, []byte(`{"db":"d"}`), got)
}

func TestResetClosesAllStreams(t *testing.T) {
	r := New(func(frame.RequestID, frame.Frame, <-chan frame.Frame) {}, func([]byte) {})
	r.Route(frame.Frame{RequestID: idFor(4), Type: frame.TypeHTTP})
	r.Route(frame.Frame{RequestID: idFor(5), Type: frame.TypeWS})

	require.Eventually(t, func() bool { return r.Len() == 2 }, time.Second, time.Millisecond)
	r.Reset()
	assert.Equal(t, 0, r.Len())
}

// TestConcurrentUnregisterAndRouteNeverPanics guards against a send racing
// the close of the same sub-stream: a frame arriving for an id whose
// PerRequest is mid-teardown must be dropped, never delivered to (or
// panic on) a closed channel.
func TestConcurrentUnregisterAndRouteNeverPanics(t *testing.T) {
	id := idFor(6)
	r := New(func(frame.RequestID, frame.Frame, <-chan frame.Frame) {}, func([]byte) {})
	r.Route(frame.Frame{RequestID: id, Type: frame.TypeHTTP})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Route(frame.Frame{RequestID: id, Type: frame.TypeData, Payload: []byte("x")})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Unregister(id)
		}
	}()
	wg.Wait()
}
