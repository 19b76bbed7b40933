package station

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/vigil/internal/camera"
	"github.com/zsiec/vigil/internal/careapi"
	"github.com/zsiec/vigil/internal/gatewaysim"
	"github.com/zsiec/vigil/internal/health"
	"github.com/zsiec/vigil/internal/transport"
	"github.com/zsiec/vigil/internal/vitals"
	"github.com/zsiec/vigil/internal/waveform"
)

const device = "10.0.0.5"

func startSim(t *testing.T, cfg gatewaysim.Config) *httptest.Server {
	t.Helper()
	cfg.Fragment = 100 * time.Millisecond
	cfg.NumericInterval = 50 * time.Millisecond
	cfg.WaveformInterval = 25 * time.Millisecond
	srv := httptest.NewServer(gatewaysim.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(host string) Config {
	return Config{
		Gateways: []Gateway{{
			ID:       "icu",
			Host:     host,
			Insecure: true,
			Cameras:  []camera.Device{{ID: "cam-1", StreamID: "s1"}},
			Vitals:   []string{device},
		}},
		Camera: camera.FeedConfig{AuthWait: 5 * time.Second, TrailingWindow: 15 * time.Second},
		Vitals: vitals.MonitorConfig{
			StaleAfter:     2 * time.Second,
			CheckInterval:  50 * time.Millisecond,
			RenderInterval: 20 * time.Millisecond,
		},
		Renderer: waveform.RendererConfig{Width: 200, Height: 100, PixelsPerSecond: 100},
		Health:   health.CheckerConfig{Interval: 50 * time.Millisecond, Timeout: time.Second},
	}
}

// run starts s and stops it when the test ends.
func run(t *testing.T, s *Station) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("station did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRequiresDialer(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error without a dialer")
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	t.Parallel()
	cfg := testConfig("gw.local")
	cfg.Gateways = append(cfg.Gateways, Gateway{ID: "ward", Host: "gw2.local", Vitals: []string{device}})
	if _, err := New(cfg, Deps{Dialer: transport.NewWebSocket(transport.WebSocketConfig{}, nil)}); err == nil {
		t.Fatal("expected duplicate vitals device error")
	}
}

func TestLookupErrors(t *testing.T) {
	t.Parallel()
	s, err := New(testConfig("gw.local"), Deps{Dialer: transport.NewWebSocket(transport.WebSocketConfig{}, nil)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Camera("nope"); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("Camera: %v", err)
	}
	if err := s.ResetCamera("nope"); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("ResetCamera: %v", err)
	}
	if err := s.RetryCameraStatus("cam-1"); !errors.Is(err, ErrNoStatusSource) {
		t.Errorf("RetryCameraStatus without source: %v", err)
	}
	if _, err := s.Vitals("nope"); !errors.Is(err, ErrVitalsNotFound) {
		t.Errorf("Vitals: %v", err)
	}
	if err := s.WriteWaveformPNG("nope", &bytes.Buffer{}); !errors.Is(err, ErrVitalsNotFound) {
		t.Errorf("WriteWaveformPNG: %v", err)
	}
	if err := s.StartMonitor("nope"); !errors.Is(err, ErrGatewayNotFound) {
		t.Errorf("StartMonitor unknown: %v", err)
	}
	if err := s.StartMonitor("icu"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("StartMonitor before Run: %v", err)
	}
	if err := s.StopMonitor("nope"); !errors.Is(err, ErrGatewayNotFound) {
		t.Errorf("StopMonitor unknown: %v", err)
	}

	gws := s.Gateways()
	if len(gws) != 1 || gws[0].Host != "gw.local" || len(gws[0].Cameras) != 1 || gws[0].Cameras[0] != "cam-1" {
		t.Errorf("gateways = %+v", gws)
	}
	if cams := s.Cameras(); len(cams) != 1 || cams[0].Status != camera.StatusLoading {
		t.Errorf("cameras = %+v", cams)
	}
}

func TestStationAgainstSimulator(t *testing.T) {
	t.Parallel()
	srv := startSim(t, gatewaysim.Config{RequireToken: true})
	host := strings.TrimPrefix(srv.URL, "http://")
	care := careapi.NewClient(srv.URL, "", srv.Client(), nil)

	var observed atomic.Int64
	s, err := New(testConfig(host), Deps{
		Dialer:       transport.NewWebSocket(transport.WebSocketConfig{}, nil),
		Tokens:       care,
		Status:       care,
		HTTPClient:   srv.Client(),
		HealthClient: srv.Client(),
		OnObservation: func(string, vitals.Observation) {
			observed.Add(1)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	run(t, s)

	waitFor(t, "camera playing", func() bool {
		snap, err := s.Camera("cam-1")
		return err == nil && snap.Status == camera.StatusPlaying
	})
	snap, _ := s.Camera("cam-1")
	if !strings.HasSuffix(snap.StreamURL, "&token=redacted") {
		t.Errorf("stream url = %q, want redacted token", snap.StreamURL)
	}

	waitFor(t, "vitals online", func() bool {
		v, err := s.Vitals(device)
		return err == nil && v.Health.Online && v.Current.HeartRate != nil
	})
	waitFor(t, "waveform drawn", func() bool {
		v, _ := s.Vitals(device)
		return v.Channels[vitals.ChannelECG].Drawn > 0
	})

	v, _ := s.Vitals(device)
	if v.Gateway != "icu" || v.Pulse == nil || v.TemperatureDelta == nil {
		t.Errorf("view = %+v", v)
	}
	if observed.Load() == 0 {
		t.Error("no observations forwarded")
	}

	var buf bytes.Buffer
	if err := s.WriteWaveformPNG(device, &buf); err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 100 {
		t.Errorf("png bounds = %v", b)
	}

	if err := s.RetryCameraStatus("cam-1"); err != nil {
		t.Errorf("RetryCameraStatus: %v", err)
	}

	if err := s.StartMonitor("icu"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "health probe", func() bool {
		r := s.Gateways()[0].Health
		return r.Monitoring && r.Status != nil && r.Status.Server
	})
	if err := s.StopMonitor("icu"); err != nil {
		t.Fatal(err)
	}
	if s.Gateways()[0].Health.Monitoring {
		t.Error("still monitoring after StopMonitor")
	}

	if err := s.ResetCamera("cam-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "camera playing after reset", func() bool {
		snap, _ := s.Camera("cam-1")
		return snap.Status == camera.StatusPlaying
	})
}

func TestStationUnauthorizedWithoutToken(t *testing.T) {
	t.Parallel()
	srv := startSim(t, gatewaysim.Config{RequireToken: true})
	cfg := testConfig(strings.TrimPrefix(srv.URL, "http://"))
	cfg.Gateways[0].Vitals = nil
	cfg.Camera.AuthWait = 200 * time.Millisecond

	s, err := New(cfg, Deps{Dialer: transport.NewWebSocket(transport.WebSocketConfig{}, nil)})
	if err != nil {
		t.Fatal(err)
	}
	run(t, s)

	waitFor(t, "camera unauthorized", func() bool {
		snap, _ := s.Camera("cam-1")
		return snap.Status == camera.StatusUnauthorized
	})
}
