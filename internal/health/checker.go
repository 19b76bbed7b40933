package health

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/vigil/internal/clock"
)

const (
	DefaultInterval = 500 * time.Millisecond
	StatusPath      = "/health/status"
)

// Status is the gateway health document.
type Status struct {
	Server   bool `json:"server"`
	Database bool `json:"database"`
}

// CheckerConfig configures a Checker.
type CheckerConfig struct {
	Interval     time.Duration
	Timeout      time.Duration
	JitterWindow int
	HistorySize  int
	// HTTP3 probes over QUIC instead of TCP.
	HTTP3              bool
	InsecureSkipVerify bool
	// Insecure probes over plain http.
	Insecure         bool
	PingThresholds   Thresholds
	JitterThresholds Thresholds
}

// Report is the state of a Checker.
type Report struct {
	Endpoint      string    `json:"endpoint"`
	Monitoring    bool      `json:"monitoring"`
	Status        *Status   `json:"status,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastProbe     time.Time `json:"last_probe,omitzero"`
	Metrics       Metrics   `json:"metrics"`
	History       []Point   `json:"history"`
	PingQuality   Quality   `json:"ping_quality,omitempty"`
	JitterQuality Quality   `json:"jitter_quality,omitempty"`
}

// Checker probes one gateway's health endpoint while monitoring is on.
type Checker struct {
	log      *slog.Logger
	endpoint string
	url      string
	client   *http.Client
	clock    clock.Clock
	config   CheckerConfig

	mu        sync.Mutex
	tracker   *Tracker
	status    *Status
	lastErr   string
	lastProbe time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewChecker creates a Checker for a gateway endpoint address (host[:port]).
// If client is nil one is built from config. If log is nil, slog.Default()
// is used.
func NewChecker(endpoint string, config CheckerConfig, client *http.Client, c clock.Clock, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	if c == nil {
		c = clock.Real()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.PingThresholds == (Thresholds{}) {
		config.PingThresholds = DefaultPingThresholds
	}
	if config.JitterThresholds == (Thresholds{}) {
		config.JitterThresholds = DefaultJitterThresholds
	}
	if client == nil {
		client = newClient(config)
	}
	scheme := "https"
	if config.Insecure {
		scheme = "http"
	}
	return &Checker{
		log:      log.With("component", "health", "endpoint", endpoint),
		endpoint: endpoint,
		url:      scheme + "://" + strings.TrimSuffix(endpoint, "/") + StatusPath,
		client:   client,
		clock:    c,
		config:   config,
		tracker:  NewTracker(config.JitterWindow, config.HistorySize),
	}
}

func newClient(config CheckerConfig) *http.Client {
	tlsConfig := &tls.Config{InsecureSkipVerify: config.InsecureSkipVerify}
	if config.HTTP3 {
		return &http.Client{
			Timeout:   config.Timeout,
			Transport: &http3.Transport{TLSClientConfig: tlsConfig},
		}
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsConfig
	return &http.Client{Timeout: config.Timeout, Transport: tr}
}

// Endpoint returns the probed endpoint address.
func (c *Checker) Endpoint() string { return c.endpoint }

// Start resets the metrics and begins probing every interval. It is a no-op
// while already monitoring.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	c.tracker.Reset()
	c.status = nil
	c.lastErr = ""
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	c.log.Info("monitoring started")
}

// Stop ends monitoring and waits for an in-flight probe. Metrics are kept.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info("monitoring stopped")
}

// Reset clears metrics and history.
func (c *Checker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker.Reset()
}

func (c *Checker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := c.clock.NewTicker(c.config.Interval)
	defer t.Stop()
	for {
		if _, err := c.Probe(ctx); err != nil && ctx.Err() == nil {
			c.log.Debug("probe failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C():
		}
	}
}

// Probe performs one health request. The round trip is recorded whenever a
// response arrives, including non-2xx responses.
func (c *Checker) Probe(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("health: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := c.clock.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.record(nil, err)
		}
		return nil, fmt.Errorf("health: probe: %w", err)
	}
	defer resp.Body.Close()
	end := c.clock.Now()

	c.mu.Lock()
	c.tracker.Add(end, end.Sub(start))
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("health: probe: status %d", resp.StatusCode)
		c.record(nil, err)
		return nil, err
	}
	var st Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&st); err != nil {
		err = fmt.Errorf("health: decode status: %w", err)
		c.record(nil, err)
		return nil, err
	}
	c.record(&st, nil)
	return &st, nil
}

func (c *Checker) record(st *Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastProbe = c.clock.Now()
	if err != nil {
		c.lastErr = err.Error()
		return
	}
	c.status = st
	c.lastErr = ""
}

// Report returns the current state.
func (c *Checker) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := Report{
		Endpoint:   c.endpoint,
		Monitoring: c.cancel != nil,
		LastError:  c.lastErr,
		LastProbe:  c.lastProbe,
		Metrics:    c.tracker.Metrics(),
		History:    c.tracker.History(),
	}
	if c.status != nil {
		st := *c.status
		r.Status = &st
	}
	if r.Metrics.Samples > 0 {
		r.PingQuality = c.config.PingThresholds.Rate(r.Metrics.Avg)
		r.JitterQuality = c.config.JitterThresholds.Rate(r.Metrics.Jitter)
	}
	return r
}
