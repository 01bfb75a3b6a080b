// Package supervisor is the connection state machine (C5): it owns the
// connecting/connected/disconnected/idle lifecycle, exponential backoff
// with reset-on-settle, and the transitions into and out of the idle
// sub-mode.
package supervisor

import (
	"context"
	"math"
	"time"

	"github.com/tunnelfwd/agent/internal/config"
	"github.com/tunnelfwd/agent/internal/dispatcher"
	"github.com/tunnelfwd/agent/internal/hooks"
	"github.com/tunnelfwd/agent/internal/idle"
	"github.com/tunnelfwd/agent/internal/logging"
	"github.com/tunnelfwd/agent/internal/registry"
	"github.com/tunnelfwd/agent/internal/session"
)

// Status values emitted to the surrounding program. Coalesced: a status
// equal to the previous one is never re-emitted.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusIdle         = "idle"
)

// settleDelay is how long a freshly opened channel must stay up before
// the retry counter resets. The relay may close the channel immediately
// after accepting it (auth post-check, duplicate-client rejection);
// counting those fast failures against backoff would cause tight loops.
const settleDelay = 500 * time.Millisecond

// backoffFactor and backoffMaxSec implement delay(n) = min(600, round(1.8^(n-1))) seconds.
const (
	backoffFactor = 1.8
	backoffMaxSec = 600
)

// idleHardTimeout bounds how long the agent stays idle before forcing a
// reconnect even with no observed change.
const idleHardTimeout = time.Hour

// DialFunc opens the duplex channel. Overridable in tests.
type DialFunc func(ctx context.Context, cfg config.SessionConfig, reg *registry.Registry, log logging.Logger) (*session.Session, error)

// Supervisor runs the connecting/connected/disconnected/idle loop until
// its context is cancelled. There is no terminal state.
type Supervisor struct {
	cfg   config.SessionConfig
	log   logging.Logger
	hooks *hooks.Pipeline

	dial       DialFunc
	idleDialer idle.Dialer
	onStatus   func(status string)

	status     string
	retryCount int // n, starts at 1 on the first failure
}

// Option customizes a Supervisor at construction.
type Option func(*Supervisor)

// WithDialer overrides how the duplex channel is opened.
func WithDialer(d DialFunc) Option { return func(s *Supervisor) { s.dial = d } }

// WithIdleDialer overrides how C6 is constructed for each idle period.
func WithIdleDialer(d idle.Dialer) Option { return func(s *Supervisor) { s.idleDialer = d } }

// WithStatusFunc registers a callback invoked on every (coalesced) status change.
func WithStatusFunc(f func(status string)) Option { return func(s *Supervisor) { s.onStatus = f } }

func New(cfg config.SessionConfig, log logging.Logger, hp *hooks.Pipeline, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		log:        log,
		hooks:      hp,
		dial:       session.Dial,
		idleDialer: idle.NewDialer(cfg.Hostname, cfg.Secure),
		retryCount: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) emit(status string) {
	if status == s.status {
		return
	}
	s.status = status
	s.log.Infof("status: %s", status)
	s.hooks.NotifyStatus(status)
	if s.onStatus != nil {
		s.onStatus(status)
	}
}

// backoffDelay returns the k-th backoff delay for retry counter n, where
// n starts at 1 on the first failure: min(600, round(1.8^(n-1))) seconds.
func backoffDelay(n int) time.Duration {
	secs := math.Round(math.Pow(backoffFactor, float64(n-1)))
	if secs > backoffMaxSec {
		secs = backoffMaxSec
	}
	return time.Duration(secs) * time.Second
}

func remoteNames(tunnels []config.TunnelDescriptor) []string {
	out := make([]string, len(tunnels))
	for i, t := range tunnels {
		out[i] = t.RemoteName
	}
	return out
}

// Run executes the state machine until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.emit(StatusConnecting)

	for ctx.Err() == nil {
		idleDesc, err := s.runOneConnection(ctx)
		if ctx.Err() != nil {
			return
		}

		if idleDesc != nil {
			s.emit(StatusIdle)
			s.runIdle(ctx, idleDesc)
			if ctx.Err() != nil {
				return
			}
			s.retryCount = 1
			s.emit(StatusConnecting)
			continue
		}

		if err != nil {
			s.log.Warnf("tunnel error: %v", err)
		}
		s.emit(StatusDisconnected)
		d := backoffDelay(s.retryCount)
		s.retryCount++
		s.log.Infof("reconnecting in %s (attempt %d)", d, s.retryCount-1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		s.emit(StatusConnecting)
	}
}

// runOneConnection dials, settles, and runs a single tunnel session to
// completion. It returns a non-nil idle descriptor iff the session ended
// because the relay asked the agent to go idle; err is the terminal
// channel error otherwise (nil on a clean cancellation).
func (s *Supervisor) runOneConnection(ctx context.Context) (idleDesc []byte, err error) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	idleCh := make(chan []byte, 1)
	reg := registry.New(nil, func(payload []byte) {
		select {
		case idleCh <- payload:
		default:
		}
	})

	sess, dialErr := s.dial(sessCtx, s.cfg, reg, s.log)
	if dialErr != nil {
		return nil, dialErr
	}

	disp := dispatcher.New(s.cfg.Tunnels, sess.Send, reg.Unregister, s.log, requestHookFrom(s.hooks))
	reg.SetNewRequest(disp.Handle)

	go sess.Run(sessCtx)

	settled := false
	settleTimer := time.NewTimer(settleDelay)
	defer settleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			sess.Close()
			reg.Reset()
			return nil, nil

		case e := <-sess.Err():
			reg.Reset()
			if !settled {
				// fast failure during settle: counted against backoff as-is.
				return nil, e
			}
			s.hooks.NotifyDisconnect(e)
			return nil, e

		case payload := <-idleCh:
			sess.Close()
			reg.Reset()
			return payload, nil

		case <-settleTimer.C:
			settled = true
			s.retryCount = 1
			s.emit(StatusConnected)
			s.hooks.NotifyConnect(remoteNames(s.cfg.Tunnels))
		}
	}
}

// runIdle runs after the caller has already closed the duplex channel,
// and parks on C6 until a wake-up, an error, or the hard timeout.
func (s *Supervisor) runIdle(ctx context.Context, descPayload []byte) {
	idleCtx, cancel := context.WithTimeout(ctx, idleHardTimeout)
	defer cancel()

	client, err := s.idleDialer(idleCtx, descPayload, remoteNames(s.cfg.Tunnels), s.log)
	if err != nil {
		s.log.Warnf("idle notifier failed to start: %v", err)
		return
	}
	defer client.Close()

	select {
	case <-ctx.Done():
		return
	case <-idleCtx.Done():
		s.log.Infof("idle hard timeout elapsed, reconnecting")
		return
	case werr := <-client.WakeUp():
		if werr != nil {
			s.log.Warnf("idle notifier error, reconnecting: %v", werr)
		}
		return
	}
}

type reqHookAdapter struct {
	p *hooks.Pipeline
}

func (r reqHookAdapter) OnRequestComplete(o hooks.RequestOutcome) { r.p.NotifyRequestComplete(o) }

func requestHookFrom(p *hooks.Pipeline) hooks.RequestHook { return reqHookAdapter{p: p} }
