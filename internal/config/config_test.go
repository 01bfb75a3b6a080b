package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseForwardSpecTwoPart(t *testing.T) {
	td, err := ParseForwardSpec("app|127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "app", td.RemoteName)
	assert.Equal(t, "app", td.Label)
	assert.Equal(t, "http://127.0.0.1:8080", td.LocalTarget.String())
	assert.True(t, td.StripHostHeader)
}

func TestParseForwardSpecThreePart(t *testing.T) {
	td, err := ParseForwardSpec("app|My App|https://127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "app", td.RemoteName)
	assert.Equal(t, "My App", td.Label)
	assert.Equal(t, "https://127.0.0.1:8080", td.LocalTarget.String())
}

func TestParseForwardSpecRejectsBadGrammar(t *testing.T) {
	_, err := ParseForwardSpec("justaname")
	assert.Error(t, err)
}

func TestParseForwardSpecRejectsEmptyFields(t *testing.T) {
	_, err := ParseForwardSpec("|127.0.0.1:8080")
	assert.Error(t, err)
}

func TestRelayURLRepeatsSParam(t *testing.T) {
	cfg := SessionConfig{
		Tunnels: []TunnelDescriptor{
			{RemoteName: "app", Label: "My App"},
			{RemoteName: "api", Label: "api"},
		},
		Hostname: "relay.example",
		Secure:   true,
		ClientID: "abc123",
	}
	u := RelayURL(cfg)
	assert.Contains(t, u, "wss://relay.example/api/tunnel?")
	assert.Contains(t, u, "s=app%7CMy+App")
	assert.Contains(t, u, "s=api%7Capi")
	assert.Contains(t, u, "c=abc123")
}

func TestRelayURLInsecure(t *testing.T) {
	cfg := SessionConfig{Hostname: "relay.example", Secure: false, ClientID: "x"}
	assert.Contains(t, RelayURL(cfg), "ws://relay.example")
}

func TestByRemoteName(t *testing.T) {
	tunnels := []TunnelDescriptor{{RemoteName: "app"}, {RemoteName: "api"}}
	_, ok := ByRemoteName(tunnels, "missing")
	assert.False(t, ok)
	td, ok := ByRemoteName(tunnels, "api")
	require.True(t, ok)
	assert.Equal(t, "api", td.RemoteName)
}

func TestNewClientIDIsURLSafeAndUnique(t *testing.T) {
	a, err := NewClientID()
	require.NoError(t, err)
	b, err := NewClientID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}
