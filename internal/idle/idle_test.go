package idle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelfwd/agent/internal/logging"
)

func int64p(v int64) *int64 { return &v }

func TestProjectMissingNameIsNil(t *testing.T) {
	proj := project(map[string]int64{"app": 3}, []string{"app", "other"})
	require.Len(t, proj, 2)
	assert.Equal(t, int64(3), *proj[0])
	assert.Nil(t, proj[1])
}

func TestChangedDetectsValueAndPresenceFlips(t *testing.T) {
	assert.False(t, changed([]*int64{int64p(1), nil}, []*int64{int64p(1), nil}))
	assert.True(t, changed([]*int64{int64p(1)}, []*int64{int64p(2)}))
	assert.True(t, changed([]*int64{nil}, []*int64{int64p(2)}))
}

func TestWatchSkipsFirstSnapshotThenWakesOnChange(t *testing.T) {
	sub := make(chan map[string]int64, 3)
	sub <- map[string]int64{"app": 1}
	sub <- map[string]int64{"app": 1}
	sub <- map[string]int64{"app": 2}

	wake := make(chan error, 1)
	go watch(context.Background(), sub, []string{"app"}, wake, logging.Nop{})

	select {
	case err := <-wake:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch never woke up")
	}
}

func TestWatchWakesWithErrorOnClosedSubscription(t *testing.T) {
	sub := make(chan map[string]int64)
	close(sub)

	wake := make(chan error, 1)
	go watch(context.Background(), sub, []string{"app"}, wake, logging.Nop{})

	select {
	case err := <-wake:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch never woke up")
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := make(chan map[string]int64)
	wake := make(chan error, 1)

	done := make(chan struct{})
	go func() {
		watch(ctx, sub, []string{"app"}, wake, logging.Nop{})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not exit after cancellation")
	}
	assert.Empty(t, wake)
}
