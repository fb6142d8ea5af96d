package sink

import (
	"context"
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/routa/dispatch/core/order"
	"github.com/routa/dispatch/infra/logger"
)

// MQTTConfig configures the MQTT lifecycle sink.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
}

// SetDefaults applies sane defaults.
func (c *MQTTConfig) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "routa-dispatch"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "routa/orders"
	}
}

// MQTTSink publishes lifecycle events to <prefix>/<order-id>/status.
type MQTTSink struct {
	cli    paho.Client
	prefix string
	qos    byte
	log    logger.Logger
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	cfg.SetDefaults()
	log := logger.New("mqtt-sink")
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(paho.Client) { log.Infof("MQTT connected") }
	opts.OnConnectionLost = func(_ paho.Client, err error) { log.Errorf("connection lost: %v", err) }
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return &MQTTSink{cli: cli, prefix: cfg.TopicPrefix, qos: cfg.QoS, log: log}, nil
}

// Publish sends the event, retained so late subscribers see the last status.
func (s *MQTTSink) Publish(_ context.Context, ev order.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/%s/status", s.prefix, ev.OrderID)
	if token := s.cli.Publish(topic, s.qos, true, data); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.cli.Disconnect(250)
	return nil
}
