// Package realtime is C10: the concrete realtime client behind C6's idle
// notifier. It dials the relay's realtime endpoint and decodes one JSON
// snapshot per inbound text/binary message, over the same websocket
// library the tunnel session itself uses.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/tunnelfwd/agent/internal/logging"
)

// Client is one realtime session, scoped to a single idle period.
type Client struct {
	hostname string
	secure   bool
	apiKey   string
	token    string
	log      logging.Logger

	conn *websocket.Conn
}

// New builds a Client bound to one idle descriptor's credentials. No
// network activity happens until Subscribe.
func New(hostname string, secure bool, apiKey, token string, log logging.Logger) *Client {
	return &Client{hostname: hostname, secure: secure, apiKey: apiKey, token: token, log: log}
}

// Subscribe opens the websocket connection to the key-watch channel and
// returns every decoded snapshot as it arrives. The returned channel is
// closed when the connection ends, for any reason.
func (c *Client) Subscribe(ctx context.Context, db, key string) (<-chan map[string]int64, error) {
	scheme := "ws"
	if c.secure {
		scheme = "wss"
	}
	u := fmt.Sprintf("%s://%s/api/realtime?db=%s&key=%s", scheme, c.hostname, url.QueryEscape(db), url.QueryEscape(key))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("X-Realtime-Token", c.token)

	c.log.Debugf("dialing realtime endpoint for db=%s key=%s", db, key)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	ch := make(chan map[string]int64, 1)
	go c.readLoop(conn, ch)
	return ch, nil
}

func (c *Client) readLoop(conn *websocket.Conn, ch chan map[string]int64) {
	defer close(ch)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.log.Tracef("realtime subscription ended: %v", err)
			return
		}
		var snap map[string]int64
		if err := json.Unmarshal(msg, &snap); err != nil {
			c.log.Warnf("realtime: dropped malformed snapshot: %v", err)
			continue
		}
		ch <- snap
	}
}

// Close tears down the websocket connection. Idempotent; safe to call
// before Subscribe.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
