// Package station runs the devices of a bedside station: a camera feed per
// configured camera, a vitals monitor and sweep renderer per monitor device,
// and a health checker per gateway. It is the service behind the REST API.
package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vigil/internal/camera"
	"github.com/zsiec/vigil/internal/clock"
	"github.com/zsiec/vigil/internal/health"
	"github.com/zsiec/vigil/internal/session"
	"github.com/zsiec/vigil/internal/stream"
	"github.com/zsiec/vigil/internal/transport"
	"github.com/zsiec/vigil/internal/vitals"
	"github.com/zsiec/vigil/internal/waveform"
)

var (
	ErrCameraNotFound  = errors.New("station: camera not found")
	ErrVitalsNotFound  = errors.New("station: vitals device not found")
	ErrGatewayNotFound = errors.New("station: gateway not found")
	ErrNotRunning      = errors.New("station: not running")
	ErrNoStatusSource  = errors.New("station: camera status polling is not configured")
)

// Gateway is one device gateway and the devices behind it.
type Gateway struct {
	ID       string
	Host     string
	Insecure bool
	// Monitor starts health checking when the station starts.
	Monitor bool
	Cameras []camera.Device
	Vitals  []string
}

// Config holds the per-component tunables.
type Config struct {
	Gateways []Gateway
	Camera   camera.FeedConfig
	Vitals   vitals.MonitorConfig
	Renderer waveform.RendererConfig
	Health   health.CheckerConfig
}

// Deps are the shared collaborators. Dialer is required.
type Deps struct {
	Dialer     transport.Dialer
	Tokens     camera.TokenSource
	Status     camera.StatusSource
	Users      session.Provider
	HTTPClient *http.Client
	// HealthClient probes gateway health. Nil builds one per gateway from
	// Config.Health.
	HealthClient *http.Client
	Clock        clock.Clock
	// OnObservation receives every decoded vitals observation. It must not
	// block.
	OnObservation func(device string, o vitals.Observation)
	Log           *slog.Logger
}

type vitalsUnit struct {
	gateway  string
	monitor  *vitals.Monitor
	renderer *waveform.Renderer
}

type gatewayUnit struct {
	gw      Gateway
	checker *health.Checker
}

// VitalsView is the API view of one vitals device.
type VitalsView struct {
	Device           string                                   `json:"device"`
	Gateway          string                                   `json:"gateway"`
	Health           vitals.Health                            `json:"health"`
	Current          vitals.Snapshot                          `json:"current"`
	Pulse            *vitals.Numeric                          `json:"pulse,omitempty"`
	TemperatureDelta *float64                                 `json:"temperature_delta,omitempty"`
	Channels         map[vitals.Channel]waveform.ChannelStats `json:"channels,omitempty"`
}

// GatewayView is the API view of one gateway.
type GatewayView struct {
	ID      string        `json:"id"`
	Host    string        `json:"host"`
	Cameras []string      `json:"cameras"`
	Vitals  []string      `json:"vitals"`
	Health  health.Report `json:"health"`
}

// Station owns every running device instance.
type Station struct {
	log    *slog.Logger
	config Config
	deps   Deps

	cameras  *stream.Manager[*camera.Feed]
	monitors *stream.Manager[*vitalsUnit]
	gateways *stream.Manager[*gatewayUnit]

	mu  sync.Mutex
	ctx context.Context
}

// New builds the device instances for config. Nothing connects until Run.
func New(config Config, deps Deps) (*Station, error) {
	if deps.Dialer == nil {
		return nil, errors.New("station: Dialer is required")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	s := &Station{
		log:      log.With("component", "station"),
		config:   config,
		deps:     deps,
		cameras:  stream.NewManager[*camera.Feed](stream.KindCamera, log),
		monitors: stream.NewManager[*vitalsUnit](stream.KindVitals, log),
		gateways: stream.NewManager[*gatewayUnit](stream.KindGateway, log),
	}
	for _, gw := range config.Gateways {
		if err := s.addGateway(gw); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Station) addGateway(gw Gateway) error {
	hc := s.config.Health
	hc.Insecure = gw.Insecure
	checker := health.NewChecker(gw.Host, hc, s.deps.HealthClient, s.deps.Clock, s.deps.Log)
	if _, ok := s.gateways.Create(gw.ID, &gatewayUnit{gw: gw, checker: checker}); !ok {
		return fmt.Errorf("station: duplicate gateway %q", gw.ID)
	}

	for _, dev := range gw.Cameras {
		if dev.Gateway == "" {
			dev.Gateway = gw.Host
		}
		dev.Insecure = dev.Insecure || gw.Insecure
		feed := camera.NewFeed(dev, s.config.Camera, camera.FeedDeps{
			Dialer:     s.deps.Dialer,
			Tokens:     s.deps.Tokens,
			Status:     s.deps.Status,
			Users:      s.deps.Users,
			Clock:      s.deps.Clock,
			HTTPClient: s.deps.HTTPClient,
			Log:        s.deps.Log,
		})
		if _, ok := s.cameras.Create(dev.ID, feed); !ok {
			return fmt.Errorf("station: duplicate camera %q", dev.ID)
		}
	}

	for _, device := range gw.Vitals {
		r := waveform.NewImageRenderer(s.config.Renderer, s.deps.Log)
		m := vitals.NewMonitor(device, s.config.Vitals, vitals.MonitorDeps{
			Dialer:        s.deps.Dialer,
			Clock:         s.deps.Clock,
			Waveforms:     r,
			OnObservation: s.deps.OnObservation,
			Log:           s.deps.Log,
		})
		if _, ok := s.monitors.Create(device, &vitalsUnit{gateway: gw.ID, monitor: m, renderer: r}); !ok {
			return fmt.Errorf("station: duplicate vitals device %q", device)
		}
	}
	return nil
}

// Run starts every feed, monitor and enabled health checker and blocks
// until ctx is done.
func (s *Station) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.ctx = gctx
	s.mu.Unlock()

	for _, inst := range s.cameras.List() {
		feed := inst.Value
		g.Go(func() error { return feed.Run(gctx) })
	}
	for _, inst := range s.monitors.List() {
		u := inst.Value
		gw, _ := s.gateways.Get(u.gateway)
		url, err := vitals.URL(gw.Value.gw.Host, u.monitor.Device(), gw.Value.gw.Insecure)
		if err != nil {
			s.log.Warn("vitals device not connected", "device", u.monitor.Device(), "error", err)
		} else {
			u.monitor.Connect(url)
		}
		g.Go(func() error { return u.monitor.Run(gctx) })
	}
	for _, inst := range s.gateways.List() {
		if inst.Value.gw.Monitor {
			inst.Value.checker.Start(gctx)
		}
	}
	s.log.Info("station running",
		"gateways", s.gateways.Len(),
		"cameras", s.cameras.Len(),
		"vitals", s.monitors.Len(),
	)

	err := g.Wait()
	for _, inst := range s.gateways.List() {
		inst.Value.checker.Stop()
	}
	return err
}

// Cameras returns a snapshot of every camera feed.
func (s *Station) Cameras() []camera.Snapshot {
	list := s.cameras.List()
	out := make([]camera.Snapshot, len(list))
	for i, inst := range list {
		out[i] = inst.Value.Snapshot()
	}
	return out
}

// Camera returns the snapshot of one camera feed.
func (s *Station) Camera(id string) (camera.Snapshot, error) {
	inst, ok := s.cameras.Get(id)
	if !ok {
		return camera.Snapshot{}, ErrCameraNotFound
	}
	return inst.Value.Snapshot(), nil
}

// ResetCamera restarts a camera feed with a fresh token request.
func (s *Station) ResetCamera(id string) error {
	inst, ok := s.cameras.Get(id)
	if !ok {
		return ErrCameraNotFound
	}
	inst.Value.Reset()
	return nil
}

// RetryCameraStatus resumes suspended status polling for a camera.
func (s *Station) RetryCameraStatus(id string) error {
	inst, ok := s.cameras.Get(id)
	if !ok {
		return ErrCameraNotFound
	}
	if !inst.Value.RetryStatus() {
		return ErrNoStatusSource
	}
	return nil
}

// VitalsDevices returns a view of every vitals device.
func (s *Station) VitalsDevices() []VitalsView {
	list := s.monitors.List()
	out := make([]VitalsView, len(list))
	for i, inst := range list {
		out[i] = inst.Value.view()
	}
	return out
}

// Vitals returns the view of one vitals device.
func (s *Station) Vitals(device string) (VitalsView, error) {
	inst, ok := s.monitors.Get(device)
	if !ok {
		return VitalsView{}, ErrVitalsNotFound
	}
	return inst.Value.view(), nil
}

func (u *vitalsUnit) view() VitalsView {
	snap := u.monitor.Snapshot()
	v := VitalsView{
		Device:   u.monitor.Device(),
		Gateway:  u.gateway,
		Health:   u.monitor.Health(),
		Current:  snap,
		Pulse:    snap.Pulse(),
		Channels: u.renderer.Stats(),
	}
	if d, ok := snap.TemperatureDelta(); ok {
		v.TemperatureDelta = &d
	}
	return v
}

// WriteWaveformPNG encodes the current sweep display of a vitals device.
func (s *Station) WriteWaveformPNG(device string, w io.Writer) error {
	inst, ok := s.monitors.Get(device)
	if !ok {
		return ErrVitalsNotFound
	}
	return inst.Value.renderer.WritePNG(w)
}

// Gateways returns a view of every gateway.
func (s *Station) Gateways() []GatewayView {
	list := s.gateways.List()
	out := make([]GatewayView, len(list))
	for i, inst := range list {
		out[i] = inst.Value.view()
	}
	return out
}

func (u *gatewayUnit) view() GatewayView {
	v := GatewayView{
		ID:      u.gw.ID,
		Host:    u.gw.Host,
		Cameras: make([]string, 0, len(u.gw.Cameras)),
		Vitals:  append([]string{}, u.gw.Vitals...),
		Health:  u.checker.Report(),
	}
	for _, c := range u.gw.Cameras {
		v.Cameras = append(v.Cameras, c.ID)
	}
	return v
}

// StartMonitor begins health checking of a gateway.
func (s *Station) StartMonitor(id string) error {
	inst, ok := s.gateways.Get(id)
	if !ok {
		return ErrGatewayNotFound
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return ErrNotRunning
	}
	inst.Value.checker.Start(ctx)
	return nil
}

// StopMonitor ends health checking of a gateway.
func (s *Station) StopMonitor(id string) error {
	inst, ok := s.gateways.Get(id)
	if !ok {
		return ErrGatewayNotFound
	}
	inst.Value.checker.Stop()
	return nil
}
