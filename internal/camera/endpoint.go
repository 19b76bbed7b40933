package camera

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNoGateway is returned when a camera has no gateway address to stream
// from.
var ErrNoGateway = errors.New("camera: no gateway endpoint address")

// Endpoint identifies one stream connection attempt. It is immutable and
// rebuilt whenever the device's gateway metadata or token changes.
type Endpoint struct {
	TransportAddress string
	StreamID         string
	AuthToken        string
	// Insecure selects ws:// instead of wss://.
	Insecure bool
}

// URL returns the fragmented-media socket URL of the stream.
func (e Endpoint) URL() (string, error) {
	host := strings.TrimSpace(e.TransportAddress)
	if host == "" {
		return "", ErrNoGateway
	}
	scheme := "wss"
	if e.Insecure {
		scheme = "ws"
	}
	id := url.PathEscape(e.StreamID)
	q := "uuid=" + url.QueryEscape(e.StreamID) + "&channel=0"
	if e.AuthToken != "" {
		q += "&token=" + url.QueryEscape(e.AuthToken)
	}
	return scheme + "://" + host + "/stream/" + id + "/channel/0/mse?" + q, nil
}

// RedactedURL is URL with the token value masked, for logs and status output.
func (e Endpoint) RedactedURL() string {
	if e.AuthToken != "" {
		e.AuthToken = "redacted"
	}
	u, err := e.URL()
	if err != nil {
		return ""
	}
	return u
}
