package vitals

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vigil/internal/clock"
	"github.com/zsiec/vigil/internal/eventloop"
	"github.com/zsiec/vigil/internal/transport"
)

const (
	DefaultStaleAfter     = 5 * time.Second
	DefaultCheckInterval  = 500 * time.Millisecond
	DefaultRenderInterval = 40 * time.Millisecond
)

// ErrNoGateway is returned by URL when the gateway host is empty.
var ErrNoGateway = errors.New("vitals: no gateway endpoint address")

// URL returns the observation socket URL of a device behind a gateway.
func URL(gatewayHost, deviceAddress string, insecure bool) (string, error) {
	host := strings.TrimSpace(gatewayHost)
	if host == "" {
		return "", ErrNoGateway
	}
	scheme := "wss"
	if insecure {
		scheme = "ws"
	}
	return scheme + "://" + host + "/observations/" + url.PathEscape(deviceAddress), nil
}

// WaveformSink receives decoded waveform samples and is ticked by the
// monitor's render timer.
type WaveformSink interface {
	Push(ch Channel, opts ChannelOptions, samples []float64)
	Tick(now time.Time)
}

// MonitorConfig tunes a Monitor.
type MonitorConfig struct {
	StaleAfter     time.Duration
	CheckInterval  time.Duration
	RenderInterval time.Duration
}

// MonitorDeps are the collaborators of a Monitor. Only Dialer is required.
type MonitorDeps struct {
	Dialer    transport.Dialer
	Clock     clock.Clock
	Waveforms WaveformSink
	// OnObservation receives every decoded observation on the monitor's
	// loop goroutine. It must not block.
	OnObservation func(device string, o Observation)
	Log           *slog.Logger
}

// Health is the connection state of a monitor.
type Health struct {
	Device        string    `json:"device"`
	URL           string    `json:"url,omitempty"`
	AttemptID     string    `json:"attempt_id,omitempty"`
	Connected     bool      `json:"connected"`
	Online        bool      `json:"online"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
	Messages      int64     `json:"messages"`
	DecodeErrors  int64     `json:"decode_errors"`
	Connects      int64     `json:"connects"`
	OfflineEvents int64     `json:"offline_events"`
	LastError     string    `json:"last_error,omitempty"`
}

// Monitor is the connection state machine of one vitals device. All state
// changes happen on a single event loop started by Run; the exported methods
// are safe for concurrent use.
type Monitor struct {
	log    *slog.Logger
	device string
	config MonitorConfig
	deps   MonitorDeps
	clock  clock.Clock
	loop   *eventloop.Loop

	stop     chan struct{}
	stopOnce sync.Once

	// Owned by the loop.
	ctx           context.Context
	url           string
	conn          transport.Conn
	gen           uint64
	online        bool
	lastMessageAt time.Time

	mu     sync.Mutex
	health Health
	snap   Snapshot
}

// NewMonitor creates a Monitor for device. Call Run to start it and Connect
// to point it at a socket URL.
func NewMonitor(device string, config MonitorConfig, deps MonitorDeps) *Monitor {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "vitals-monitor", "device", device)
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Dialer == nil {
		deps.Dialer = transport.NewWebSocket(transport.WebSocketConfig{}, log)
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.RenderInterval <= 0 {
		config.RenderInterval = DefaultRenderInterval
	}
	return &Monitor{
		log:    log,
		device: device,
		config: config,
		deps:   deps,
		clock:  deps.Clock,
		loop:   eventloop.New(),
		stop:   make(chan struct{}),
		health: Health{Device: device},
	}
}

// Device returns the monitored device address.
func (m *Monitor) Device() string { return m.device }

// Run processes events until ctx is done or Close is called. The socket and
// timers are released before it returns.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	m.ctx = gctx
	g.Go(func() error {
		m.every(gctx, m.config.CheckInterval, m.checkStale)
		return nil
	})
	if m.deps.Waveforms != nil {
		g.Go(func() error {
			m.every(gctx, m.config.RenderInterval, func() { m.deps.Waveforms.Tick(m.clock.Now()) })
			return nil
		})
	}
	g.Go(func() error {
		m.loop.Run(gctx)
		m.teardown()
		m.log.Debug("monitor stopped")
		return nil
	})
	return g.Wait()
}

// every posts fn to the loop on each tick until ctx is done.
func (m *Monitor) every(ctx context.Context, d time.Duration, fn func()) {
	t := m.clock.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			m.loop.Post(fn)
		}
	}
}

// Close stops Run. It is idempotent.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Connect points the monitor at rawURL. Connecting to the current URL while
// a connection is open is a no-op; a new URL tears down the old connection
// and starts offline until the first message arrives.
func (m *Monitor) Connect(rawURL string) {
	m.loop.Post(func() { m.connect(rawURL) })
}

// Health returns the current connection state.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Snapshot returns a copy of the current values.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

func (m *Monitor) update(fn func(h *Health)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.health)
}

func (m *Monitor) connect(rawURL string) {
	if rawURL == m.url && m.conn != nil {
		return
	}
	m.teardown()
	m.url = rawURL
	m.gen++
	gen := m.gen
	m.online = false
	m.lastMessageAt = time.Time{}

	attempt := uuid.NewString()
	m.update(func(h *Health) {
		h.URL = rawURL
		h.AttemptID = attempt
		h.Connected = false
		h.Online = false
		h.LastError = ""
		h.Connects++
	})
	m.log.Info("connecting", "url", rawURL, "attempt", attempt)

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.conn = m.deps.Dialer.Connect(ctx, rawURL, transport.Handlers{
		OnOpen: func() {
			m.loop.Post(func() {
				if gen == m.gen {
					m.update(func(h *Health) { h.Connected = true })
				}
			})
		},
		OnMessage: func(data []byte) {
			m.loop.Post(func() {
				if gen == m.gen {
					m.message(data)
				}
			})
		},
		OnError: func(err error) {
			m.loop.Post(func() {
				if gen == m.gen {
					m.transportError(err)
				}
			})
		},
	})
}

func (m *Monitor) message(data []byte) {
	obs, err := Decode(data)
	if err != nil {
		m.update(func(h *Health) { h.DecodeErrors++ })
		m.log.Debug("dropping observation", "error", err)
		if len(obs) == 0 {
			return
		}
	}

	now := m.clock.Now()
	m.lastMessageAt = now
	if !m.online {
		m.online = true
		m.log.Info("device online")
	}

	m.mu.Lock()
	m.snap.Merge(obs...)
	m.health.Online = true
	m.health.LastMessageAt = now
	m.health.Messages++
	m.mu.Unlock()

	for _, o := range obs {
		if o.Waveform != nil && m.deps.Waveforms != nil {
			m.deps.Waveforms.Push(o.Waveform.Channel, o.Waveform.Options, o.Waveform.Samples)
		}
		if m.deps.OnObservation != nil {
			m.deps.OnObservation(m.device, o)
		}
	}
}

func (m *Monitor) transportError(err error) {
	m.log.Warn("connection lost", "error", err)
	m.conn = nil
	m.online = false
	m.update(func(h *Health) {
		h.Connected = false
		h.Online = false
		h.LastError = err.Error()
	})
}

// checkStale marks the device offline once when no message has arrived
// within StaleAfter.
func (m *Monitor) checkStale() {
	if !m.online {
		return
	}
	if m.clock.Now().Sub(m.lastMessageAt) <= m.config.StaleAfter {
		return
	}
	m.online = false
	m.update(func(h *Health) {
		h.Online = false
		h.OfflineEvents++
	})
	m.log.Info("device offline", "silence", m.clock.Now().Sub(m.lastMessageAt))
}

func (m *Monitor) teardown() {
	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.online = false
	m.update(func(h *Health) {
		h.Connected = false
		h.Online = false
	})
}
