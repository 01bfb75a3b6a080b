// Package metrics is the ambient, in-memory request/tunnel observability
// store. It never listens on a socket (the agent exposes no local
// listening socket by design); it is summarized periodically into the
// structured log sink instead.
package metrics

import (
	"sync"
	"time"

	"github.com/tunnelfwd/agent/internal/hooks"
)

// TunnelStats is the running aggregate for one registered remote name.
type TunnelStats struct {
	RemoteName    string
	TotalRequests int
	ErrorCount    int
	TotalBytesIn  int
	TotalBytesOut int
	TotalLatency  time.Duration
	MaxLatency    time.Duration
	MinLatency    time.Duration
	ConnectedAt   time.Time
}

// RequestLogEntry is one completed PerRequest, kept in a bounded ring buffer.
type RequestLogEntry struct {
	ID         int
	RemoteName string
	Kind       string
	StatusCode int
	BadGateway bool
	Latency    time.Duration
	BytesIn    int
	BytesOut   int
	Timestamp  time.Time
}

// Store is the in-memory metrics store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tunnels map[string]*TunnelStats
	order   []string
	logs    []RequestLogEntry
	maxLogs int
	nextID  int
}

func NewStore(maxLogs int) *Store {
	return &Store{
		tunnels: make(map[string]*TunnelStats),
		maxLogs: maxLogs,
	}
}

// RecordConnect starts tracking every given remote name that is not
// already tracked, stamped as connected now. Names already tracked keep
// their existing stats and ConnectedAt.
func (s *Store) RecordConnect(remoteNames []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range remoteNames {
		if _, exists := s.tunnels[name]; exists {
			continue
		}
		s.tunnels[name] = &TunnelStats{
			RemoteName:  name,
			MinLatency:  time.Duration(1<<63 - 1),
			ConnectedAt: time.Now(),
		}
		s.order = append(s.order, name)
	}
}

// RecordDisconnect clears every tracked tunnel; the whole duplex channel,
// and therefore every registered route riding on it, just went down.
func (s *Store) RecordDisconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunnels = make(map[string]*TunnelStats)
	s.order = nil
}

// RecordRequest folds one finished PerRequest into its tunnel's aggregate
// and appends it to the ring buffer.
func (s *Store) RecordRequest(o hooks.RequestOutcome) {
	entry := RequestLogEntry{
		RemoteName: o.RemoteName,
		Kind:       o.Kind,
		StatusCode: o.StatusCode,
		BadGateway: o.BadGateway,
		Latency:    o.Latency,
		BytesIn:    o.BytesIn,
		BytesOut:   o.BytesOut,
		Timestamp:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID

	if len(s.logs) >= s.maxLogs {
		s.logs = append(s.logs[1:], entry)
	} else {
		s.logs = append(s.logs, entry)
	}

	ts, ok := s.tunnels[o.RemoteName]
	if !ok {
		return
	}
	ts.TotalRequests++
	ts.TotalBytesIn += o.BytesIn
	ts.TotalBytesOut += o.BytesOut
	ts.TotalLatency += o.Latency
	if o.Latency > ts.MaxLatency {
		ts.MaxLatency = o.Latency
	}
	if o.Latency < ts.MinLatency {
		ts.MinLatency = o.Latency
	}
	if o.BadGateway || o.StatusCode >= 400 {
		ts.ErrorCount++
	}
}

// Snapshot returns a copy of all tunnel stats in stable insertion order.
func (s *Store) Snapshot() []TunnelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TunnelStats, 0, len(s.order))
	for _, name := range s.order {
		if ts, ok := s.tunnels[name]; ok {
			cp := *ts
			out = append(out, cp)
		}
	}
	return out
}

// RecentLogs returns the last n request entries.
func (s *Store) RecentLogs(n int) []RequestLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]RequestLogEntry, n)
	copy(out, s.logs[len(s.logs)-n:])
	return out
}

// Hook adapts a Store into a hooks.RequestHook + hooks.ConnectionHook pair.
type Hook struct {
	Store *Store
}

func (h *Hook) OnRequestComplete(o hooks.RequestOutcome) { h.Store.RecordRequest(o) }
func (h *Hook) OnConnect(remoteNames []string)            { h.Store.RecordConnect(remoteNames) }
func (h *Hook) OnDisconnect(err error)                    { h.Store.RecordDisconnect(err) }
func (h *Hook) OnStatus(string)                           {}

// reportLogger is the slice of logging.Logger the reporter needs; kept
// small so metrics doesn't have to import the logging package's Logger
// interface's full surface (it only ever calls Infof).
type reportLogger interface {
	Infof(format string, args ...any)
}

// Report writes one Infof line per active tunnel with its cumulative
// totals; the store itself is left unchanged. Intended to be called on a
// ticker from cmd/tunnelagent; never opens a socket.
func (s *Store) Report(log reportLogger) {
	for _, ts := range s.Snapshot() {
		avg := time.Duration(0)
		if ts.TotalRequests > 0 {
			avg = ts.TotalLatency / time.Duration(ts.TotalRequests)
		}
		log.Infof("tunnel %s: %d requests, %d errors, avg latency %s, %d bytes in / %d bytes out",
			ts.RemoteName, ts.TotalRequests, ts.ErrorCount, avg, ts.TotalBytesIn, ts.TotalBytesOut)
	}
}
