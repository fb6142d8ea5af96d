package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/routa/dispatch/core/metrics"
	"github.com/routa/dispatch/core/order"
	"github.com/routa/dispatch/infra/geo"
	"github.com/routa/dispatch/infra/sink"
	"github.com/routa/dispatch/jobs"
)

type ServerConfig struct {
	Addr string `json:"addr"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

func (c AuthConfig) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// DispatchConfig tunes the order table lifecycle windows.
type DispatchConfig struct {
	PendingTTLSeconds    int `json:"pending_ttl_seconds"`
	TerminalGraceSeconds int `json:"terminal_grace_seconds"`
}

func (c *DispatchConfig) SetDefaults() {
	if c.PendingTTLSeconds == 0 {
		c.PendingTTLSeconds = 180
	}
	if c.TerminalGraceSeconds == 0 {
		c.TerminalGraceSeconds = 300
	}
}

// TableConfig maps the second counts onto the order table's durations.
func (c DispatchConfig) TableConfig() order.Config {
	return order.Config{
		PendingTTL:    time.Duration(c.PendingTTLSeconds) * time.Second,
		TerminalGrace: time.Duration(c.TerminalGraceSeconds) * time.Second,
	}
}

type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Dispatch DispatchConfig `json:"dispatch"`
	Jobs     jobs.Config    `json:"jobs"`
	Metrics  metrics.Config `json:"metrics"`
	Geo      geo.Config     `json:"geo"`
	Sinks    sink.Config    `json:"sinks"`
}

// Load reads a YAML or JSON config file and applies ROUTA_ environment
// overrides, with "__" standing in for the key separator
// (ROUTA_AUTH__JWT_SECRET overrides auth.jwt_secret).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("ROUTA_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "routa_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Server.SetDefaults()
	cfg.Dispatch.SetDefaults()
	cfg.Jobs.SetDefaults()
	cfg.Sinks.MQTT.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if c.Geo.Enabled && c.Geo.Addr == "" {
		return fmt.Errorf("geo.addr is required when geo is enabled")
	}
	if c.Metrics.InfluxEnabled {
		if c.Metrics.InfluxURL == "" || c.Metrics.InfluxOrg == "" || c.Metrics.InfluxBucket == "" {
			return fmt.Errorf("metrics.influx_url, influx_org and influx_bucket are required when influx is enabled")
		}
	}
	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka.brokers is required when kafka is enabled")
	}
	if c.Sinks.MQTT.Enabled && c.Sinks.MQTT.Broker == "" {
		return fmt.Errorf("sinks.mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
