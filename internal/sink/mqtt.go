package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const DefaultTopicPrefix = "vigil/vitals"

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each record to <prefix>/<device>/<kind>.
type MQTT struct {
	log    *slog.Logger
	client mqttClient
	config MQTTConfig
}

// NewMQTT builds an auto-reconnecting client. Call Connect before
// publishing.
func NewMQTT(config MQTTConfig, log *slog.Logger) *MQTT {
	if config.ClientID == "" {
		config.ClientID = "vigil-" + uuid.NewString()
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sink-mqtt", "broker", config.Broker)

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	opts.OnConnect = func(mqtt.Client) { log.Info("connected") }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { log.Warn("connection lost", "error", err) }

	return newMQTT(mqtt.NewClient(opts), config, log)
}

func newMQTT(client mqttClient, config MQTTConfig, log *slog.Logger) *MQTT {
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{log: log, client: client, config: config}
}

// Connect connects to the broker, retrying with exponential backoff until
// it succeeds or ctx is done.
func (m *MQTT) Connect(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		tok := m.client.Connect()
		tok.Wait()
		if tok.Error() == nil {
			return nil
		}
		m.log.Warn("connect failed", "error", tok.Error(), "retry_in", backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("sink: mqtt connect: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (m *MQTT) Name() string { return "mqtt" }

// Topic returns the topic for a device and kind. MQTT wildcard and level
// separators in the device id are replaced.
func Topic(prefix, device, kind string) string {
	device = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(device)
	if device == "" {
		device = "unknown"
	}
	return strings.TrimSuffix(prefix, "/") + "/" + device + "/" + kind
}

func (m *MQTT) Publish(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink: mqtt encode: %w", err)
	}
	topic := Topic(m.config.TopicPrefix, rec.Device, string(rec.Kind()))
	tok := m.client.Publish(topic, m.config.QoS, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("sink: mqtt publish %s: %w", topic, ctx.Err())
	case <-time.After(m.config.PublishTimeout):
		return fmt.Errorf("sink: mqtt publish %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("sink: mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
