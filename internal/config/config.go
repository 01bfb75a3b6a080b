// Package config holds the agent's static, per-session configuration:
// the set of registered tunnels, the relay endpoint, and the client
// identity presented at registration time.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// TunnelDescriptor is one registered forwarding route, immutable for the
// lifetime of a tunnel session.
type TunnelDescriptor struct {
	// RemoteName is the short name registered with the relay (the `s=` query value).
	RemoteName string
	// Label is a display string; defaults to RemoteName when not given.
	Label string
	// LocalTarget is the absolute origin + base path requests are forwarded to.
	LocalTarget *url.URL
	// StripHostHeader removes any incoming Host header before forwarding. Defaults to true.
	StripHostHeader bool
}

// SessionConfig is the full set of inputs the supervisor needs to run a tunnel session.
type SessionConfig struct {
	Tunnels   []TunnelDescriptor
	APIKey    string
	Hostname  string
	Secure    bool
	UserAgent string
	ClientID  string
}

// DefaultHostname is used when -h/--host is not given.
const DefaultHostname = "tunnel.relay.example"

// NewClientID generates 16 random bytes, base64url-encoded. Ephemeral:
// there is no persisted state, so a fresh id is minted once per process
// unless the caller supplies one.
func NewClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ParseForwardSpecError names the offending -f/--forward argument.
type ParseForwardSpecError struct {
	Spec string
	Err  error
}

func (e *ParseForwardSpecError) Error() string {
	return fmt.Sprintf("invalid forward spec %q: %v", e.Spec, e.Err)
}

func (e *ParseForwardSpecError) Unwrap() error { return e.Err }

// ParseForwardSpec parses one -f/--forward value: `<name>|<localTarget>`
// or `<name>|<label>|<localTarget>`. `http://` is prepended to localTarget
// when it carries neither an http:// nor https:// scheme.
func ParseForwardSpec(spec string) (TunnelDescriptor, error) {
	parts := strings.Split(spec, "|")
	var name, label, target string
	switch len(parts) {
	case 2:
		name, target = parts[0], parts[1]
		label = name
	case 3:
		name, label, target = parts[0], parts[1], parts[2]
	default:
		return TunnelDescriptor{}, &ParseForwardSpecError{Spec: spec, Err: fmt.Errorf("expected <name>|<localTarget> or <name>|<label>|<localTarget>")}
	}

	name = strings.TrimSpace(name)
	label = strings.TrimSpace(label)
	target = strings.TrimSpace(target)
	if name == "" || target == "" {
		return TunnelDescriptor{}, &ParseForwardSpecError{Spec: spec, Err: fmt.Errorf("name and localTarget are required")}
	}
	if label == "" {
		label = name
	}

	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "http://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return TunnelDescriptor{}, &ParseForwardSpecError{Spec: spec, Err: err}
	}

	return TunnelDescriptor{
		RemoteName:      name,
		Label:           label,
		LocalTarget:     u,
		StripHostHeader: true,
	}, nil
}

// RelayURL builds the duplex-channel registration URL:
// {ws,wss}://<hostname>/api/tunnel?s=<name|label>&s=...&c=<clientId>
func RelayURL(cfg SessionConfig) string {
	scheme := "ws"
	if cfg.Secure {
		scheme = "wss"
	}
	q := url.Values{}
	for _, t := range cfg.Tunnels {
		q.Add("s", t.RemoteName+"|"+t.Label)
	}
	q.Set("c", cfg.ClientID)

	u := url.URL{
		Scheme:   scheme,
		Host:     cfg.Hostname,
		Path:     "/api/tunnel",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ByRemoteName returns the tunnel registered under name, or ok == false.
func ByRemoteName(tunnels []TunnelDescriptor, name string) (TunnelDescriptor, bool) {
	for _, t := range tunnels {
		if t.RemoteName == name {
			return t, true
		}
	}
	return TunnelDescriptor{}, false
}
