// Package dispatcher is the local dispatcher (C2): for a given PerRequest
// it opens and drives the corresponding local request/response or
// upgraded-stream call, and reports the outcome back onto the tunnel.
package dispatcher

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tunnelfwd/agent/internal/config"
	"github.com/tunnelfwd/agent/internal/frame"
	"github.com/tunnelfwd/agent/internal/hooks"
	"github.com/tunnelfwd/agent/internal/logging"
	"github.com/tunnelfwd/agent/internal/wire"
)

// SendFunc writes one frame to the duplex channel.
type SendFunc func(frame.Frame) error

// UnregisterFunc tears down a request's sub-stream in the registry.
type UnregisterFunc func(frame.RequestID)

// Dispatcher drives local calls for every PerRequest handed to it by the
// request registry.
type Dispatcher struct {
	tunnels    []config.TunnelDescriptor
	send       SendFunc
	unregister UnregisterFunc
	log        logging.Logger
	reqHook    hooks.RequestHook

	httpClient  *http.Client
	dialTimeout time.Duration
}

func New(tunnels []config.TunnelDescriptor, send SendFunc, unregister UnregisterFunc, log logging.Logger, reqHook hooks.RequestHook) *Dispatcher {
	return &Dispatcher{
		tunnels:    tunnels,
		send:       send,
		unregister: unregister,
		log:        log,
		reqHook:    reqHook,
		httpClient: &http.Client{
			Timeout: 0, // streamed; individual requests are bounded by the relay, not us
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialTimeout: 15 * time.Second,
	}
}

// Handle is a registry.NewRequestFunc: it is invoked once per fresh
// request id on its own goroutine.
func (d *Dispatcher) Handle(id frame.RequestID, first frame.Frame, sub <-chan frame.Frame) {
	start := time.Now()
	defer d.unregister(id)

	var req wire.HTTPRequest
	if err := json.Unmarshal(first.Payload, &req); err != nil {
		d.log.Warnf("malformed request descriptor for %x: %v", id, err)
		d.fail(id, "", first.Type, start, drain(sub))
		return
	}

	td, ok := config.ByRemoteName(d.tunnels, req.Subdomain)
	if !ok {
		d.log.Warnf("unknown subdomain %q for request %x", req.Subdomain, id)
		d.fail(id, req.Subdomain, first.Type, start, drain(sub))
		return
	}

	if td.StripHostHeader {
		stripHostHeader(req.Headers)
	}
	target := targetURL(td, req.URL)

	switch first.Type {
	case frame.TypeHTTP:
		d.handleHTTP(id, td, req, target, sub, start)
	case frame.TypeWS:
		d.handleWS(id, td, req, target, sub, start)
	default:
		d.fail(id, req.Subdomain, first.Type, start, drain(sub))
	}
}

// drain exhausts a sub-stream so its goroutine doesn't leak when the
// caller bails out before consuming it.
func drain(sub <-chan frame.Frame) func() {
	return func() {
		for range sub {
		}
	}
}

// fail reports badgateway for a request that never got as far as a local
// response, after draining (or in the background draining) whatever is left
// of its sub-stream.
func (d *Dispatcher) fail(id frame.RequestID, remoteName, kind string, start time.Time, drain func()) {
	go drain()
	if err := d.send(frame.Frame{RequestID: id, Type: frame.TypeBadGateway}); err != nil {
		d.log.Errorf("failed to send badgateway for %x: %v", id, err)
	}
	d.reqHook.OnRequestComplete(hooks.RequestOutcome{
		RemoteName: remoteName,
		Kind:       kind,
		BadGateway: true,
		Latency:    time.Since(start),
	})
}

func stripHostHeader(h wire.Headers) {
	for k := range h {
		if strings.EqualFold(k, "host") {
			delete(h, k)
		}
	}
}

// targetURL composes the outbound URL per the local-target rewrite rule:
// an origin-only local target uses the request's path verbatim, otherwise
// the local target's own path is prepended.
func targetURL(td config.TunnelDescriptor, requestPath string) string {
	origin := fmt.Sprintf("%s://%s", td.LocalTarget.Scheme, td.LocalTarget.Host)
	if td.LocalTarget.Path == "" || td.LocalTarget.Path == "/" {
		return origin + requestPath
	}
	return origin + td.LocalTarget.Path + requestPath
}

func toHTTPHeader(h wire.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return out
}

func toWireHeaders(h http.Header) wire.Headers {
	out := make(wire.Headers, len(h))
	for k, v := range h {
		out[k] = wire.HeaderValues(v)
	}
	return out
}

// --- HTTP kind ---

func (d *Dispatcher) handleHTTP(id frame.RequestID, td config.TunnelDescriptor, req wire.HTTPRequest, target string, sub <-chan frame.Frame, start time.Time) {
	pr, pw := io.Pipe()

	httpReq, err := http.NewRequest(req.Method, target, pr)
	if err != nil {
		d.fail(id, req.Subdomain, frame.TypeHTTP, start, drain(sub))
		return
	}
	httpReq.Header = toHTTPHeader(req.Headers)

	// Feed the body from inbound data/end frames while the request is in flight.
	// bytesIn is written by this goroutine and read by the caller once the
	// response is built, with no ordering between the two beyond "eventually";
	// atomic keeps that legal.
	var bytesIn atomic.Int64
	go func() {
		for f := range sub {
			switch f.Type {
			case frame.TypeData:
				n, err := pw.Write(f.Payload)
				bytesIn.Add(int64(n))
				if err != nil {
					return
				}
			case frame.TypeEnd:
				pw.Close()
				return
			}
		}
		pw.Close()
	}()

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		d.log.Warnf("local call for %x failed: %v", id, err)
		d.fail(id, req.Subdomain, frame.TypeHTTP, start, func() {})
		return
	}
	defer resp.Body.Close()

	head := wire.HTTPResponseHead{StatusCode: resp.StatusCode, Headers: toWireHeaders(resp.Header)}
	headPayload, err := json.Marshal(head)
	if err != nil {
		d.fail(id, req.Subdomain, frame.TypeHTTP, start, func() {})
		return
	}
	if err := d.send(frame.Frame{RequestID: id, Type: frame.TypeHead, Payload: headPayload}); err != nil {
		d.log.Errorf("failed to send head for %x: %v", id, err)
		return
	}

	bytesOut := 0
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			bytesOut += n
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := d.send(frame.Frame{RequestID: id, Type: frame.TypeData, Payload: chunk}); sendErr != nil {
				d.log.Errorf("failed to send data for %x: %v", id, sendErr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// head has already gone out; badgateway is only valid in
			// its place, never after. Close the stream out normally and
			// just mark the outcome as failed for observability.
			d.log.Warnf("local body read for %x failed: %v", id, err)
			if sendErr := d.send(frame.Frame{RequestID: id, Type: frame.TypeEnd}); sendErr != nil {
				d.log.Errorf("failed to send end for %x: %v", id, sendErr)
			}
			d.reqHook.OnRequestComplete(hooks.RequestOutcome{
				RemoteName: req.Subdomain,
				Kind:       frame.TypeHTTP,
				StatusCode: resp.StatusCode,
				BadGateway: true,
				BytesIn:    int(bytesIn.Load()),
				BytesOut:   bytesOut,
				Latency:    time.Since(start),
			})
			return
		}
	}
	if err := d.send(frame.Frame{RequestID: id, Type: frame.TypeEnd}); err != nil {
		d.log.Errorf("failed to send end for %x: %v", id, err)
	}

	d.reqHook.OnRequestComplete(hooks.RequestOutcome{
		RemoteName: req.Subdomain,
		Kind:       frame.TypeHTTP,
		StatusCode: resp.StatusCode,
		BytesIn:    int(bytesIn.Load()),
		BytesOut:   bytesOut,
		Latency:    time.Since(start),
	})
}

// --- Upgraded-stream (ws) kind ---

// handleWS speaks the HTTP upgrade handshake manually so the connection
// can be handed over as a raw byte pipe afterward; net/http's own client
// parses and owns the connection in a way that forecloses that handover.
func (d *Dispatcher) handleWS(id frame.RequestID, td config.TunnelDescriptor, req wire.HTTPRequest, target string, sub <-chan frame.Frame, start time.Time) {
	conn, err := dialRaw(td, d.dialTimeout)
	if err != nil {
		d.log.Warnf("local connect for %x failed: %v", id, err)
		d.fail(id, req.Subdomain, frame.TypeWS, start, drain(sub))
		return
	}

	if err := writeUpgradeRequest(conn, req, target); err != nil {
		conn.Close()
		d.fail(id, req.Subdomain, frame.TypeWS, start, drain(sub))
		return
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: req.Method})
	if err != nil {
		conn.Close()
		d.fail(id, req.Subdomain, frame.TypeWS, start, drain(sub))
		return
	}
	resp.Body.Close()

	headBlock := synthesizeStatusBlock(resp)
	if err := d.send(frame.Frame{RequestID: id, Type: frame.TypeData, Payload: headBlock}); err != nil {
		conn.Close()
		d.log.Errorf("failed to send upgrade head for %x: %v", id, err)
		return
	}

	var bytesIn, bytesOut int
	done := make(chan struct{})

	// local -> tunnel
	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				bytesOut += n
				chunk := append([]byte(nil), buf[:n]...)
				if sendErr := d.send(frame.Frame{RequestID: id, Type: frame.TypeData, Payload: chunk}); sendErr != nil {
					d.log.Errorf("failed to send data for %x: %v", id, sendErr)
					return
				}
			}
			if err != nil {
				_ = d.send(frame.Frame{RequestID: id, Type: frame.TypeEnd})
				return
			}
		}
	}()

	// tunnel -> local, until either side half-closes
	for {
		select {
		case <-done:
			goto finish
		case f, ok := <-sub:
			if !ok {
				goto finish
			}
			switch f.Type {
			case frame.TypeData:
				bytesIn += len(f.Payload)
				if _, err := conn.Write(f.Payload); err != nil {
					conn.Close()
					goto finish
				}
			case frame.TypeEnd:
				goto finish
			}
		}
	}

finish:
	conn.Close()
	<-done

	d.reqHook.OnRequestComplete(hooks.RequestOutcome{
		RemoteName: req.Subdomain,
		Kind:       frame.TypeWS,
		StatusCode: resp.StatusCode,
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		Latency:    time.Since(start),
	})
}

func dialRaw(td config.TunnelDescriptor, timeout time.Duration) (net.Conn, error) {
	if td.LocalTarget.Scheme == "https" {
		return tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", hostPort(td.LocalTarget.Host, "443"), nil)
	}
	return net.DialTimeout("tcp", hostPort(td.LocalTarget.Host, "80"), timeout)
}

func hostPort(host, defaultPort string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return host + ":" + defaultPort
}

func writeUpgradeRequest(w io.Writer, req wire.HTTPRequest, target string) error {
	path := "/"
	if u, err := url.Parse(target); err == nil {
		path = u.RequestURI()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, path)
	for k, v := range req.Headers {
		for _, val := range v {
			fmt.Fprintf(&b, "%s: %s\r\n", k, val)
		}
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// synthesizeStatusBlock builds the textual status line + header block the
// spec requires, byte for byte: "HTTP/<ver> <code> <reason>\r\nK: V\r\n...\r\n\r\n".
func synthesizeStatusBlock(resp *http.Response) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%d.%d %d %s\r\n", resp.ProtoMajor, resp.ProtoMinor, resp.StatusCode, strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))))
	for k, v := range resp.Header {
		for _, val := range v {
			fmt.Fprintf(&b, "%s: %s\r\n", strings.ToLower(k), val)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
