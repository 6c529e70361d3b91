package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/pushql/internal/bridge"
	"github.com/gaspardpetit/pushql/internal/codec"
)

// Push drivers.
const (
	DriverRedis  = "redis"
	DriverPusher = "pusher"
	DriverMemory = "memory"
)

var ErrNoUpstream = errors.New("config: upstream url is required")

// BridgeConfig holds configuration for the pushql server.
type BridgeConfig struct {
	Port            int               `yaml:"port"`
	MetricsAddr     string            `yaml:"metrics_addr"`
	LogLevel        string            `yaml:"log_level"`
	ConfigFile      string            `yaml:"-"`
	UpstreamURL     string            `yaml:"upstream_url"`
	UpstreamHeaders map[string]string `yaml:"upstream_headers"`
	RequestTimeout  time.Duration     `yaml:"request_timeout"`
	DrainTimeout    time.Duration     `yaml:"drain_timeout"`
	AllowedOrigins  []string          `yaml:"allowed_origins"`
	PushDriver      string            `yaml:"push_driver"`
	RedisAddr       string            `yaml:"redis_addr"`
	RedisPrefix     string            `yaml:"redis_prefix"`
	PusherURL       string            `yaml:"pusher_url"`
	ChannelPath     string            `yaml:"channel_path"`
	EventName       string            `yaml:"event_name"`
	InitialData     string            `yaml:"initial_data"`
	Decompression   string            `yaml:"decompression"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = time.Minute
	}
	if c.PushDriver == "" {
		c.PushDriver = DriverRedis
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "redis://localhost:6379/0"
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "pushql:"
	}
	if c.ChannelPath == "" {
		c.ChannelPath = bridge.DefaultChannelPath
	}
	if c.EventName == "" {
		c.EventName = bridge.DefaultEventName
	}
	if c.InitialData == "" {
		c.InitialData = "auto"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("pushql.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	} else if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if v := GetEnv("UPSTREAM_URL", ""); v != "" {
		c.UpstreamURL = v
	}
	if v := GetEnv("UPSTREAM_HEADERS", ""); v != "" {
		if h, err := parseHeaders(v); err == nil {
			c.UpstreamHeaders = h
		}
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("PUSH_DRIVER", ""); v != "" {
		c.PushDriver = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("REDIS_PREFIX", ""); v != "" {
		c.RedisPrefix = v
	}
	if v := GetEnv("PUSHER_URL", ""); v != "" {
		c.PusherURL = v
	}
	if v := GetEnv("CHANNEL_PATH", ""); v != "" {
		c.ChannelPath = v
	}
	if v := GetEnv("EVENT_NAME", ""); v != "" {
		c.EventName = v
	}
	if v := GetEnv("INITIAL_DATA", ""); v != "" {
		c.InitialData = v
	}
	if v, ok := os.LookupEnv("DECOMPRESSION"); ok {
		c.Decompression = v
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *BridgeConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the GraphQL endpoint")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.UpstreamURL, "upstream-url", c.UpstreamURL, "GraphQL endpoint operations are forwarded to")
	fs.Func("upstream-headers", "comma separated key=value headers sent upstream", func(v string) error {
		h, err := parseHeaders(v)
		if err != nil {
			return err
		}
		c.UpstreamHeaders = h
		return nil
	})
	fs.Func("request-timeout", "upstream request timeout in seconds", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for open subscriptions on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.PushDriver, "push-driver", c.PushDriver, "push transport (redis, pusher, memory)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the push transport")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", c.RedisPrefix, "prefix of redis push channels")
	fs.StringVar(&c.PusherURL, "pusher-url", c.PusherURL, "Pusher websocket URL (ws[s]://host/app/<key>?protocol=7)")
	fs.StringVar(&c.ChannelPath, "channel-path", c.ChannelPath, "dot path of the channel id in response extensions")
	fs.StringVar(&c.EventName, "event-name", c.EventName, "push event carrying subscription results")
	fs.StringVar(&c.InitialData, "initial-data", c.InitialData, "deliver the initial subscription response (auto, always, never)")
	fs.StringVar(&c.Decompression, "decompression", c.Decompression, "codec of compressed_result payloads (gzip, zstd, snappy, lz4); empty disables")
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate reports the first setting that cannot be used.
func (c *BridgeConfig) Validate() error {
	if c.UpstreamURL == "" {
		return ErrNoUpstream
	}
	switch c.PushDriver {
	case DriverRedis, DriverMemory:
	case DriverPusher:
		if c.PusherURL == "" {
			return errors.New("config: pusher driver requires a pusher url")
		}
	default:
		return fmt.Errorf("config: unknown push driver %q", c.PushDriver)
	}
	if _, err := bridge.ParseInitialData(c.InitialData); err != nil {
		return err
	}
	if _, err := codec.Lookup(c.Decompression); err != nil {
		return err
	}
	return nil
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func parseHeaders(v string) (map[string]string, error) {
	h := map[string]string{}
	for _, kv := range splitComma(v) {
		if kv == "" {
			continue
		}
		k, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("config: bad header %q", kv)
		}
		h[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return h, nil
}
