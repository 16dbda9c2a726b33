// Package config loads the chat client configuration from YAML with
// RAYCON_CHAT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roboricindustries/raycon-chat/pkg/logging"
	"github.com/roboricindustries/raycon-chat/pkg/transport"
)

const EnvPrefix = "RAYCON_CHAT_"

// Transport kinds.
const (
	TransportMemory    = "memory"
	TransportAMQP      = "amqp"
	TransportWebSocket = "websocket"
	TransportOffline   = "offline"
)

// Storage kinds.
const (
	StorageMemory = "memory"
	StoragePebble = "pebble"
)

const DefaultGreeting = "Xin chào {name}, bạn cần đội ngũ Jewelry tư vấn?"

type Transport struct {
	Kind                   string        `yaml:"kind"`
	URL                    string        `yaml:"url"`
	Exchange               string        `yaml:"exchange"`
	PublishPoolSize        int           `yaml:"publish_pool_size"`
	ConnTimeout            time.Duration `yaml:"conn_timeout"`
	DialAttempts           int           `yaml:"dial_attempts"`
	ReconnectBase          time.Duration `yaml:"reconnect_base"`
	ReconnectCap           time.Duration `yaml:"reconnect_cap"`
	ReconnectJitterPercent int           `yaml:"reconnect_jitter_percent"`
}

type Storage struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

type Chat struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	MaxImageBytes int64         `yaml:"max_image_bytes"`
	Greeting      string        `yaml:"greeting"`
	YouPrefix     string        `yaml:"you_prefix"`
	DeskName      string        `yaml:"desk_name"`
}

type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text|json
	Sink       string `yaml:"sink"`   // stdout|stderr|file:<path>
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Transport Transport `yaml:"transport"`
	Storage   Storage   `yaml:"storage"`
	Chat      Chat      `yaml:"chat"`
	Logging   Logging   `yaml:"logging"`
	Metrics   Metrics   `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Transport: Transport{
			Kind:                   TransportMemory,
			Exchange:               "chat",
			PublishPoolSize:        4,
			ConnTimeout:            30 * time.Second,
			DialAttempts:           5,
			ReconnectBase:          time.Second,
			ReconnectCap:           30 * time.Second,
			ReconnectJitterPercent: 25,
		},
		Storage: Storage{Kind: StorageMemory, Path: "./.chatdata"},
		Chat: Chat{
			AckTimeout:    15 * time.Second,
			MaxImageBytes: 5 << 20,
			Greeting:      DefaultGreeting,
			YouPrefix:     "Bạn: ",
			DeskName:      "Admin",
		},
		Logging: Logging{Level: "info", Format: "text", Sink: "stderr"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays RAYCON_CHAT_* variables read through getenv and reports
// whether any was set.
func (c *Config) ApplyEnv(getenv func(string) string) (bool, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	used := false
	var errs []error

	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
			used = true
		}
	}
	// raw keeps surrounding spaces, which matter for prefixes.
	raw := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
			used = true
		}
	}
	dur := func(name string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(EnvPrefix + name))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
		used = true
	}
	num := func(name string, dst *int) {
		v := strings.TrimSpace(getenv(EnvPrefix + name))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
		used = true
	}

	size := func(name string, dst *int64) {
		v := strings.TrimSpace(getenv(EnvPrefix + name))
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
		used = true
	}

	str("TRANSPORT_KIND", &c.Transport.Kind)
	str("TRANSPORT_URL", &c.Transport.URL)
	str("TRANSPORT_EXCHANGE", &c.Transport.Exchange)
	num("TRANSPORT_PUBLISH_POOL_SIZE", &c.Transport.PublishPoolSize)
	dur("TRANSPORT_RECONNECT_BASE", &c.Transport.ReconnectBase)
	dur("TRANSPORT_RECONNECT_CAP", &c.Transport.ReconnectCap)
	str("STORAGE_KIND", &c.Storage.Kind)
	str("STORAGE_PATH", &c.Storage.Path)
	dur("ACK_TIMEOUT", &c.Chat.AckTimeout)
	str("GREETING", &c.Chat.Greeting)
	raw("YOU_PREFIX", &c.Chat.YouPrefix)
	str("DESK_NAME", &c.Chat.DeskName)
	size("MAX_IMAGE_BYTES", &c.Chat.MaxImageBytes)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_SINK", &c.Logging.Sink)
	str("METRICS_ADDR", &c.Metrics.Addr)

	return used, errors.Join(errs...)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport.Kind {
	case TransportMemory, TransportOffline:
	case TransportAMQP, TransportWebSocket:
		if c.Transport.URL == "" {
			errs = append(errs, fmt.Errorf("transport.url is required for %s", c.Transport.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q is not one of memory, amqp, websocket, offline", c.Transport.Kind))
	}
	if c.Transport.ReconnectCap < c.Transport.ReconnectBase {
		errs = append(errs, errors.New("transport.reconnect_cap must not be below reconnect_base"))
	}
	if p := c.Transport.ReconnectJitterPercent; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("transport.reconnect_jitter_percent %d out of range", p))
	}

	switch c.Storage.Kind {
	case StorageMemory:
	case StoragePebble:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for pebble"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.kind %q is not one of memory, pebble", c.Storage.Kind))
	}

	if c.Chat.AckTimeout < 0 {
		errs = append(errs, errors.New("chat.ack_timeout must not be negative"))
	}
	if c.Chat.MaxImageBytes <= 0 {
		errs = append(errs, errors.New("chat.max_image_bytes must be positive"))
	}
	if c.Chat.DeskName == "" {
		errs = append(errs, errors.New("chat.desk_name is required"))
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", f))
	}
	return errors.Join(errs...)
}

// AMQP maps the transport section onto the broker link for producer.
func (c Config) AMQP(producer string) transport.AMQPConfig {
	t := c.Transport
	return transport.AMQPConfig{
		URL:             t.URL,
		Exchange:        t.Exchange,
		Producer:        producer,
		PublishPoolSize: t.PublishPoolSize,
		ConnTimeout:     t.ConnTimeout,
		DialAttempts:    t.DialAttempts,
		ConfirmTimeout:  c.Chat.AckTimeout,
		Redial:          t.redial(),
	}
}

func (c Config) WebSocket() transport.WSConfig {
	t := c.Transport
	return transport.WSConfig{
		URL:              t.URL,
		HandshakeTimeout: t.ConnTimeout,
		Redial:           t.redial(),
	}
}

func (t Transport) redial() transport.Redial {
	return transport.Redial{Base: t.ReconnectBase, Cap: t.ReconnectCap, JitterPercent: t.ReconnectJitterPercent}
}

func (c Config) LogOptions() logging.Options {
	l := c.Logging
	return logging.Options{
		Level:      l.Level,
		Format:     l.Format,
		Sink:       l.Sink,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}
