// Package config loads the service configuration from a YAML file, an
// optional .env file and VIGIL_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zsiec/vigil/internal/camera"
	"github.com/zsiec/vigil/internal/sink"
)

// Config is the complete service configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	API       APIConfig       `yaml:"api"`
	CARE      CAREConfig      `yaml:"care"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Camera    CameraConfig    `yaml:"camera"`
	Vitals    VitalsConfig    `yaml:"vitals"`
	Health    HealthConfig    `yaml:"health"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Gateways  []Gateway       `yaml:"gateways"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
	// HTTP3 also serves the API over QUIC on the same port.
	HTTP3        bool          `yaml:"http3"`
	CertValidity time.Duration `yaml:"cert_validity"`
}

// CAREConfig locates the CARE REST API used for stream tokens and camera
// status.
type CAREConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// SessionConfig selects the current-user provider: a static username, or a
// Redis key when RedisAddr is set.
type SessionConfig struct {
	Username      string        `yaml:"username"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisKey      string        `yaml:"redis_key"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

type TransportConfig struct {
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ReadLimit          int64         `yaml:"read_limit"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

type CameraConfig struct {
	AuthWait        time.Duration `yaml:"auth_wait"`
	TrailingWindow  time.Duration `yaml:"trailing_window"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	HLSPollInterval time.Duration `yaml:"hls_poll_interval"`
	StatusInterval  time.Duration `yaml:"status_interval"`
	MaxFailures     int           `yaml:"max_failures"`
	UserAgent       string        `yaml:"user_agent"`
}

type VitalsConfig struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	RenderInterval  time.Duration `yaml:"render_interval"`
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	PixelsPerSecond float64       `yaml:"pixels_per_second"`
}

type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	JitterWindow int           `yaml:"jitter_window"`
	HistorySize  int           `yaml:"history_size"`
	HTTP3        bool          `yaml:"http3"`
}

type SinksConfig struct {
	QueueCapacity int               `yaml:"queue_capacity"`
	Waveforms     bool              `yaml:"waveforms"`
	MQTT          sink.MQTTConfig   `yaml:"mqtt"`
	Kafka         sink.KafkaConfig  `yaml:"kafka"`
	Influx        sink.InfluxConfig `yaml:"influx"`
}

// Gateway is one device gateway with its cameras and vitals monitors.
type Gateway struct {
	ID       string          `yaml:"id"`
	Host     string          `yaml:"host"`
	Insecure bool            `yaml:"insecure"`
	Monitor  bool            `yaml:"monitor"`
	Cameras  []camera.Device `yaml:"cameras"`
	// Vitals lists the monitor device addresses served by this gateway.
	Vitals []string `yaml:"vitals"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	return Config{
		LogLevel: "info",
		API: APIConfig{
			Addr:         ":4444",
			HTTP3:        true,
			CertValidity: 14 * 24 * time.Hour,
		},
		Session: SessionConfig{
			RedisKey: "care-auth-user",
			CacheTTL: 30 * time.Second,
		},
		Transport: TransportConfig{
			HandshakeTimeout: 10 * time.Second,
			ReadLimit:        8 << 20,
		},
		Camera: CameraConfig{
			AuthWait:        camera.DefaultAuthWait,
			TrailingWindow:  15 * time.Second,
			QueueCapacity:   2 << 20,
			HLSPollInterval: camera.DefaultHLSPollInterval,
			StatusInterval:  time.Second,
			MaxFailures:     camera.DefaultMaxFailures,
		},
		Vitals: VitalsConfig{
			StaleAfter:      5 * time.Second,
			CheckInterval:   500 * time.Millisecond,
			RenderInterval:  40 * time.Millisecond,
			Width:           600,
			Height:          400,
			PixelsPerSecond: 100,
		},
		Health: HealthConfig{
			Interval:     500 * time.Millisecond,
			Timeout:      2 * time.Second,
			JitterWindow: 10,
			HistorySize:  50,
		},
		Sinks: SinksConfig{
			QueueCapacity: sink.DefaultQueueCapacity,
			MQTT:          sink.MQTTConfig{TopicPrefix: sink.DefaultTopicPrefix},
			Kafka:         sink.KafkaConfig{Topic: sink.DefaultKafkaTopic},
			Influx:        sink.InfluxConfig{Measurement: sink.DefaultMeasurement},
		},
	}
}

// Load reads envFile (if present), then the YAML file at path (if present)
// over the defaults, then environment overrides. Empty paths are skipped.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.Addr = envOr("VIGIL_API_ADDR", c.API.Addr)
	c.CARE.URL = envOr("VIGIL_CARE_URL", c.CARE.URL)
	c.CARE.Token = envOr("VIGIL_CARE_TOKEN", c.CARE.Token)
	c.Session.RedisAddr = envOr("VIGIL_REDIS_ADDR", c.Session.RedisAddr)
	c.Sinks.MQTT.Broker = envOr("VIGIL_MQTT_BROKER", c.Sinks.MQTT.Broker)
	if v := os.Getenv("VIGIL_KAFKA_BROKERS"); v != "" {
		c.Sinks.Kafka.Brokers = splitList(v)
	}
	c.Sinks.Influx.URL = envOr("VIGIL_INFLUX_URL", c.Sinks.Influx.URL)
	c.Sinks.Influx.Token = envOr("VIGIL_INFLUX_TOKEN", c.Sinks.Influx.Token)
	if os.Getenv("DEBUG") != "" {
		c.LogLevel = "debug"
	}
}

// normalize fills each camera's gateway from its parent entry.
func (c *Config) normalize() {
	for i := range c.Gateways {
		g := &c.Gateways[i]
		for j := range g.Cameras {
			cam := &g.Cameras[j]
			if cam.Gateway == "" {
				cam.Gateway = g.Host
			}
			if g.Insecure {
				cam.Insecure = true
			}
		}
	}
}

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error
	if c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr is required"))
	}
	if c.CARE.URL != "" {
		if u, err := url.Parse(c.CARE.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("care.url %q is not an absolute URL", c.CARE.URL))
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.Camera.AuthWait <= 0 {
		errs = append(errs, errors.New("camera.auth_wait must be positive"))
	}
	if c.Camera.QueueCapacity <= 0 {
		errs = append(errs, errors.New("camera.queue_capacity must be positive"))
	}
	if c.Vitals.StaleAfter <= 0 {
		errs = append(errs, errors.New("vitals.stale_after must be positive"))
	}
	if c.Vitals.Width <= 0 || c.Vitals.Height <= 0 {
		errs = append(errs, errors.New("vitals.width and vitals.height must be positive"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if c.Sinks.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("sinks.mqtt.qos %d is out of range", c.Sinks.MQTT.QoS))
	}

	gateways := make(map[string]bool)
	cameras := make(map[string]bool)
	for i, g := range c.Gateways {
		if g.ID == "" {
			errs = append(errs, fmt.Errorf("gateways[%d].id is required", i))
		} else if gateways[g.ID] {
			errs = append(errs, fmt.Errorf("gateways[%d].id %q is duplicated", i, g.ID))
		}
		gateways[g.ID] = true
		if g.Host == "" {
			errs = append(errs, fmt.Errorf("gateways[%d].host is required", i))
		}
		for j, cam := range g.Cameras {
			if cam.ID == "" {
				errs = append(errs, fmt.Errorf("gateways[%d].cameras[%d].id is required", i, j))
				continue
			}
			if cameras[cam.ID] {
				errs = append(errs, fmt.Errorf("gateways[%d].cameras[%d].id %q is duplicated", i, j, cam.ID))
			}
			cameras[cam.ID] = true
			if cam.StreamID == "" {
				errs = append(errs, fmt.Errorf("camera %q: stream_id is required", cam.ID))
			}
		}
		for j, dev := range g.Vitals {
			if strings.TrimSpace(dev) == "" {
				errs = append(errs, fmt.Errorf("gateways[%d].vitals[%d] is empty", i, j))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// HasSinks reports whether any telemetry sink is configured.
func (c Config) HasSinks() bool {
	return c.Sinks.MQTT.Broker != "" || len(c.Sinks.Kafka.Brokers) > 0 || c.Sinks.Influx.URL != ""
}

// Level returns the slog level for LogLevel, defaulting to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
