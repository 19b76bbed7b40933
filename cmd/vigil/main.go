package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vigil/internal/api"
	"github.com/zsiec/vigil/internal/camera"
	"github.com/zsiec/vigil/internal/careapi"
	"github.com/zsiec/vigil/internal/certs"
	"github.com/zsiec/vigil/internal/config"
	"github.com/zsiec/vigil/internal/health"
	"github.com/zsiec/vigil/internal/session"
	"github.com/zsiec/vigil/internal/sink"
	"github.com/zsiec/vigil/internal/station"
	"github.com/zsiec/vigil/internal/transport"
	"github.com/zsiec/vigil/internal/vitals"
	"github.com/zsiec/vigil/internal/waveform"
)

var version = "dev"

func main() {
	cfg, err := config.Load(envOr("VIGIL_CONFIG", "vigil.yaml"), envOr("VIGIL_ENV_FILE", ".env"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.API.CertValidity)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	dispatcher := newDispatcher(cfg)
	users, closeUsers := newUsers(cfg)
	defer closeUsers()

	deps := station.Deps{
		Dialer: transport.NewWebSocket(transport.WebSocketConfig{
			HandshakeTimeout:   cfg.Transport.HandshakeTimeout,
			ReadLimit:          cfg.Transport.ReadLimit,
			InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
		}, nil),
		Users:      users,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
	// A nil *careapi.Client must not reach the feed as a non-nil interface.
	if cfg.CARE.URL != "" {
		care := careapi.NewClient(cfg.CARE.URL, cfg.CARE.Token, nil, nil)
		deps.Tokens = care
		deps.Status = care
	} else {
		slog.Warn("no CARE API configured; streams open without tokens and status polling is off")
	}
	if dispatcher != nil {
		deps.OnObservation = dispatcher.Observe
	}

	st, err := station.New(stationConfig(cfg), deps)
	if err != nil {
		slog.Error("failed to create station", "error", err)
		os.Exit(1)
	}

	apiCfg := api.ServerConfig{
		Addr:    cfg.API.Addr,
		Cert:    cert,
		Station: st,
		HTTP3:   cfg.API.HTTP3,
		Version: version,
	}
	if dispatcher != nil {
		apiCfg.SinkStats = dispatcher.Stats
	}
	apiSrv, err := api.NewServer(apiCfg)
	if err != nil {
		slog.Error("failed to create API server", "error", err)
		os.Exit(1)
	}

	slog.Info("vigil starting",
		"version", version,
		"api", cfg.API.Addr,
		"gateways", len(cfg.Gateways),
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	if dispatcher != nil {
		slog.Info("telemetry sinks enabled", "publishers", dispatcher.Publishers())
		g.Go(func() error {
			return dispatcher.Run(ctx)
		})
	}

	g.Go(func() error {
		return st.Run(ctx)
	})

	g.Go(func() error {
		return apiSrv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func stationConfig(cfg config.Config) station.Config {
	out := station.Config{
		Camera: camera.FeedConfig{
			AuthWait:        cfg.Camera.AuthWait,
			TrailingWindow:  cfg.Camera.TrailingWindow,
			QueueCapacity:   cfg.Camera.QueueCapacity,
			HLSPollInterval: cfg.Camera.HLSPollInterval,
			UserAgent:       cfg.Camera.UserAgent,
			Poller: camera.PollerConfig{
				Interval:    cfg.Camera.StatusInterval,
				MaxFailures: cfg.Camera.MaxFailures,
			},
		},
		Vitals: vitals.MonitorConfig{
			StaleAfter:     cfg.Vitals.StaleAfter,
			CheckInterval:  cfg.Vitals.CheckInterval,
			RenderInterval: cfg.Vitals.RenderInterval,
		},
		Renderer: waveform.RendererConfig{
			Width:           cfg.Vitals.Width,
			Height:          cfg.Vitals.Height,
			PixelsPerSecond: cfg.Vitals.PixelsPerSecond,
		},
		Health: health.CheckerConfig{
			Interval:           cfg.Health.Interval,
			Timeout:            cfg.Health.Timeout,
			JitterWindow:       cfg.Health.JitterWindow,
			HistorySize:        cfg.Health.HistorySize,
			HTTP3:              cfg.Health.HTTP3,
			InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
		},
	}
	for _, gw := range cfg.Gateways {
		out.Gateways = append(out.Gateways, station.Gateway{
			ID:       gw.ID,
			Host:     gw.Host,
			Insecure: gw.Insecure,
			Monitor:  gw.Monitor,
			Cameras:  gw.Cameras,
			Vitals:   gw.Vitals,
		})
	}
	return out
}

// newUsers picks the watermark user provider: Redis when configured,
// otherwise a static username, otherwise none.
func newUsers(cfg config.Config) (session.Provider, func()) {
	switch {
	case cfg.Session.RedisAddr != "":
		r := session.NewRedis(session.RedisOpts{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
			Key:      cfg.Session.RedisKey,
			CacheTTL: cfg.Session.CacheTTL,
		})
		return r, func() {
			if err := r.Close(); err != nil {
				slog.Warn("closing redis", "error", err)
			}
		}
	case cfg.Session.Username != "":
		return session.Static{User: &session.User{Username: cfg.Session.Username}}, func() {}
	}
	return nil, func() {}
}

// newDispatcher builds the telemetry fan-out, or returns nil when no sink
// is configured. The MQTT connection is established in the background.
func newDispatcher(cfg config.Config) *sink.Dispatcher {
	if !cfg.HasSinks() {
		return nil
	}
	var pubs []sink.Publisher
	if cfg.Sinks.MQTT.Broker != "" {
		m := sink.NewMQTT(cfg.Sinks.MQTT, nil)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := m.Connect(ctx); err != nil {
				slog.Error("mqtt connect failed", "broker", cfg.Sinks.MQTT.Broker, "error", err)
			}
		}()
		pubs = append(pubs, m)
	}
	if len(cfg.Sinks.Kafka.Brokers) > 0 {
		pubs = append(pubs, sink.NewKafka(cfg.Sinks.Kafka))
	}
	if cfg.Sinks.Influx.URL != "" {
		pubs = append(pubs, sink.NewInflux(cfg.Sinks.Influx))
	}
	return sink.NewDispatcher(sink.DispatcherConfig{
		QueueCapacity: cfg.Sinks.QueueCapacity,
		Waveforms:     cfg.Sinks.Waveforms,
	}, nil, nil, pubs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
