package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
log_level: warn
api:
  addr: ":9443"
care:
  url: https://care.example.org
  token: abc
camera:
  auth_wait: 3s
vitals:
  stale_after: 8s
gateways:
  - id: icu
    host: gw.icu.local
    insecure: true
    cameras:
      - id: cam-1
        stream_id: s1
      - id: cam-2
        stream_id: s2
        gateway: other.local
    vitals: ["192.168.1.20"]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Camera.AuthWait != 5*time.Second || cfg.Camera.TrailingWindow != 15*time.Second {
		t.Errorf("camera defaults = %+v", cfg.Camera)
	}
	if cfg.Camera.QueueCapacity != 2<<20 {
		t.Errorf("queue capacity = %d, want 2 MiB", cfg.Camera.QueueCapacity)
	}
	if cfg.Health.Interval != 500*time.Millisecond || cfg.Health.JitterWindow != 10 || cfg.Health.HistorySize != 50 {
		t.Errorf("health defaults = %+v", cfg.Health)
	}
	if cfg.HasSinks() {
		t.Error("no sinks should be configured by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "vigil.yaml", sampleYAML)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Addr != ":9443" || cfg.CARE.Token != "abc" {
		t.Errorf("api/care = %+v %+v", cfg.API, cfg.CARE)
	}
	if cfg.Camera.AuthWait != 3*time.Second || cfg.Vitals.StaleAfter != 8*time.Second {
		t.Errorf("durations = %v %v", cfg.Camera.AuthWait, cfg.Vitals.StaleAfter)
	}
	// Unset fields keep their defaults.
	if cfg.Camera.TrailingWindow != 15*time.Second || !cfg.API.HTTP3 {
		t.Errorf("defaults lost: %+v %+v", cfg.Camera, cfg.API)
	}
	if cfg.Level() != slog.LevelWarn {
		t.Errorf("level = %v", cfg.Level())
	}

	if len(cfg.Gateways) != 1 {
		t.Fatalf("gateways = %d", len(cfg.Gateways))
	}
	g := cfg.Gateways[0]
	if g.Cameras[0].Gateway != "gw.icu.local" || !g.Cameras[0].Insecure {
		t.Errorf("camera 0 not normalized: %+v", g.Cameras[0])
	}
	if g.Cameras[1].Gateway != "other.local" {
		t.Errorf("explicit camera gateway overwritten: %+v", g.Cameras[1])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.yaml"), filepath.Join(dir, ".env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Addr != Default().API.Addr {
		t.Errorf("addr = %q", cfg.API.Addr)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "camera: [1, 2\n")
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_API_ADDR", ":7000")
	t.Setenv("VIGIL_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("VIGIL_MQTT_BROKER", "tcp://mqtt:1883")
	t.Setenv("DEBUG", "1")

	path := writeFile(t, "vigil.yaml", sampleYAML)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Addr != ":7000" {
		t.Errorf("addr = %q, want env override", cfg.API.Addr)
	}
	if got := strings.Join(cfg.Sinks.Kafka.Brokers, "|"); got != "k1:9092|k2:9092" {
		t.Errorf("brokers = %q", got)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("DEBUG did not raise level: %v", cfg.Level())
	}
	if !cfg.HasSinks() {
		t.Error("HasSinks = false")
	}
}

func TestDotEnv(t *testing.T) {
	t.Setenv("VIGIL_CARE_TOKEN", "")
	os.Unsetenv("VIGIL_CARE_TOKEN")
	env := writeFile(t, ".env", "VIGIL_CARE_TOKEN=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("VIGIL_CARE_TOKEN") })

	cfg, err := Load("", env)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CARE.Token != "from-dotenv" {
		t.Errorf("token = %q", cfg.CARE.Token)
	}
}

func TestValidateCollectsAll(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.API.Addr = ""
	cfg.LogLevel = "loud"
	cfg.CARE.URL = "not a url"
	cfg.Sinks.MQTT.QoS = 3
	cfg.Gateways = []Gateway{
		{ID: "a", Host: "h"},
		{ID: "a"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{"api.addr", "log_level", "care.url", "qos", "duplicated", "gateways[1].host"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
	joined, ok := errors.Unwrap(err).(interface{ Unwrap() []error })
	if !ok || len(joined.Unwrap()) != 6 {
		t.Errorf("want a joined error with every problem, got %v", err)
	}
}
