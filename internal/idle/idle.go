// Package idle implements C6: while the supervisor is idle, watch an
// external realtime key for a change and wake it back up. The package
// never names a concrete realtime vendor. Apart from NewDialer, which
// constructs the internal/realtime client, it depends only on the small
// interface below, satisfied structurally by internal/realtime.
package idle

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tunnelfwd/agent/internal/logging"
	"github.com/tunnelfwd/agent/internal/realtime"
	"github.com/tunnelfwd/agent/internal/wire"
)

// Client is what the supervisor holds for one idle period.
type Client interface {
	// WakeUp fires exactly once: nil on an observed change or the
	// 1-hour hard timeout, non-nil on a subscription error.
	WakeUp() <-chan error
	Close() error
}

// Dialer constructs a Client from a go-idle frame's payload. Overridable
// in tests.
type Dialer func(ctx context.Context, descPayload []byte, remoteNames []string, log logging.Logger) (Client, error)

// realtimeClient mirrors the realtime.Client surface C6 actually needs.
// Declared here, not imported as a type, so this package's contract
// stays expressible without naming the concrete adapter.
type realtimeClient interface {
	Subscribe(ctx context.Context, db, key string) (<-chan map[string]int64, error)
	Close() error
}

type client struct {
	rt   realtimeClient
	wake chan error
}

func (c *client) WakeUp() <-chan error { return c.wake }
func (c *client) Close() error         { return c.rt.Close() }

// NewDialer binds a realtime endpoint (hostname/secure) into a Dialer.
// The supervisor calls the returned func once per idle period; each call
// gets a fresh realtime session built from that idle frame's descriptor.
func NewDialer(hostname string, secure bool) Dialer {
	return func(ctx context.Context, descPayload []byte, remoteNames []string, log logging.Logger) (Client, error) {
		var desc wire.IdleDescriptor
		if err := json.Unmarshal(descPayload, &desc); err != nil {
			return nil, err
		}

		rt := realtime.New(hostname, secure, desc.APIKey, desc.Token, log)
		sub, err := rt.Subscribe(ctx, desc.DB, desc.DBKey)
		if err != nil {
			rt.Close()
			return nil, err
		}

		c := &client{rt: rt, wake: make(chan error, 1)}
		go watch(ctx, sub, remoteNames, c.wake, log)
		return c, nil
	}
}

// watch projects every snapshot onto remoteNames, skips the first
// (the initial read), and signals wake-up on the first element-wise
// change. A closed subscription with no prior change is reported as an
// error wake-up so the supervisor reconnects rather than parking forever.
func watch(ctx context.Context, sub <-chan map[string]int64, remoteNames []string, wake chan<- error, log logging.Logger) {
	var prev []*int64
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub:
			if !ok {
				wake <- errors.New("realtime subscription closed")
				return
			}
			proj := project(snap, remoteNames)
			if first {
				first = false
				prev = proj
				continue
			}
			if changed(prev, proj) {
				wake <- nil
				return
			}
			prev = proj
		}
	}
}

func project(snap map[string]int64, remoteNames []string) []*int64 {
	out := make([]*int64, len(remoteNames))
	for i, name := range remoteNames {
		if v, ok := snap[name]; ok {
			val := v
			out[i] = &val
		}
	}
	return out
}

func changed(a, b []*int64) bool {
	for i := range a {
		switch {
		case a[i] == nil && b[i] == nil:
			continue
		case a[i] == nil || b[i] == nil:
			return true
		case *a[i] != *b[i]:
			return true
		}
	}
	return false
}
