// Package wire defines the JSON payload shapes carried inside tunnel
// frames (see frame.TypeHTTP, frame.TypeWS, frame.TypeHead, frame.TypeGoIdle).
package wire

import "encoding/json"

// HeaderValues preserves multi-value header semantics: a header may arrive
// as a bare string or as a list of strings. It always marshals back out as
// a list, which every consumer in this codebase treats as canonical.
type HeaderValues []string

// UnmarshalJSON accepts either a JSON string or a JSON array of strings.
func (h *HeaderValues) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*h = HeaderValues{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*h = HeaderValues(list)
	return nil
}

// MarshalJSON always emits a JSON array.
func (h HeaderValues) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(h))
}

// Headers is the wire representation of an HTTP header map.
type Headers map[string]HeaderValues

// HTTPRequest is the payload of an `http` or `ws` frame.
type HTTPRequest struct {
	URL       string  `json:"url"`
	Subdomain string  `json:"subdomain"`
	Method    string  `json:"method"`
	Headers   Headers `json:"headers"`
}

// HTTPResponseHead is the payload of a `head` frame.
type HTTPResponseHead struct {
	StatusCode int     `json:"statusCode"`
	Headers    Headers `json:"headers"`
}

// IdleDescriptor is the payload of a `go-idle` frame.
type IdleDescriptor struct {
	DB     string `json:"db"`
	DBKey  string `json:"dbKey"`
	APIKey string `json:"apiKey"`
	Token  string `json:"token"`
}
