package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 8 << 20
	closeWriteTimeout       = time.Second
)

// WebSocketConfig tunes the WebSocket dialer.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	// ReadLimit caps a single inbound message in bytes.
	ReadLimit int64
	// InsecureSkipVerify accepts self-signed gateway certificates.
	InsecureSkipVerify bool
	Header             http.Header
}

// WebSocket is a Dialer backed by gorilla/websocket.
type WebSocket struct {
	log    *slog.Logger
	config WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocket creates a WebSocket dialer. If log is nil, slog.Default() is used.
func NewWebSocket(config WebSocketConfig, log *slog.Logger) *WebSocket {
	if log == nil {
		log = slog.Default()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaultReadLimit
	}
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	if config.InsecureSkipVerify {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // gateways use self-signed certs
	}
	return &WebSocket{
		log:    log.With("component", "transport"),
		config: config,
		dialer: d,
	}
}

// Connect starts a single connection attempt to url and returns its handle
// immediately.
func (w *WebSocket) Connect(ctx context.Context, url string, h Handlers) Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		log:    w.log.With("url", redactQuery(url)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx, w, url, h)
	return c
}

type wsConn struct {
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool

	closeOnce sync.Once
}

func (c *wsConn) run(ctx context.Context, w *WebSocket, url string, h Handlers) {
	defer close(c.done)

	conn, resp, err := w.dialer.DialContext(ctx, url, w.config.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil || c.isClosing() {
			return
		}
		c.log.Debug("dial failed", "error", err)
		if resp != nil {
			err = fmt.Errorf("transport: dial: %w (status %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("transport: dial: %w", err)
		}
		c.emitError(h, err)
		return
	}
	conn.SetReadLimit(w.config.ReadLimit)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Debug("connected")
	if h.OnOpen != nil {
		h.OnOpen()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosing() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: %v", ErrClosedByPeer, err)
			} else {
				err = fmt.Errorf("transport: read: %w", err)
			}
			c.log.Debug("read loop ended", "error", err)
			c.emitError(h, err)
			conn.Close()
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

// redactQuery drops the query string, which may carry a stream token.
func redactQuery(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	return u.String()
}

func (c *wsConn) emitError(h Handlers, err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (c *wsConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	if c.conn == nil {
		return errors.New("transport: not connected")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWriteTimeout))
		}
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			conn.Close()
		}
		c.log.Debug("closed")
	})
	return nil
}
