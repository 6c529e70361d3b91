package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/pushql/internal/codec"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		want        string
	}{
		{name: "linux", goos: "linux", home: "/home/user", want: "/etc/pushql/pushql.yaml"},
		{name: "darwin", goos: "darwin", home: "/Users/test", want: "/Users/test/Library/Application Support/pushql/pushql.yaml"},
		{name: "windows", goos: "windows", programData: "C:\\ProgramData\\", want: "C:/ProgramData/pushql/pushql.yaml"},
		{name: "windows default ProgramData", goos: "windows", want: "C:/ProgramData/pushql/pushql.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.ReplaceAll(ResolveConfigPath(tt.goos, tt.home, tt.programData, "pushql.yaml"), "\\", "/")
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	var c BridgeConfig
	c.SetDefaults()
	if c.Port != 8080 || c.MetricsAddr != ":8080" || c.LogLevel != "info" {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.PushDriver != DriverRedis || c.ChannelPath != "lighthouse_subscriptions.channel" || c.EventName != "lighthouse-subscription" {
		t.Fatalf("unexpected bridge defaults %+v", c)
	}
	if c.RequestTimeout != 30*time.Second || c.InitialData != "auto" {
		t.Fatalf("unexpected timeouts %+v", c)
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pushql.yaml")
	yml := `port: 9000
upstream_url: http://file/graphql
push_driver: memory
request_timeout: 5s
upstream_headers:
  Authorization: Bearer file
event_name: from-file
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("PORT", "9100")
	t.Setenv("EVENT_NAME", "from-env")
	t.Setenv("UPSTREAM_HEADERS", "X-A=1, X-B = 2")

	var c BridgeConfig
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.RequestTimeout != 5*time.Second || c.UpstreamHeaders["Authorization"] != "Bearer file" {
		t.Fatalf("file values not applied: %+v", c)
	}
	c.ApplyEnv()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlagsFromCurrent(fs)
	if err := fs.Parse([]string{"-event-name", "from-flag", "-metrics-port", "9200"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if c.Port != 9100 {
		t.Fatalf("env should override file: port=%d", c.Port)
	}
	if c.UpstreamURL != "http://file/graphql" || c.PushDriver != DriverMemory {
		t.Fatalf("file values lost: %+v", c)
	}
	if c.EventName != "from-flag" {
		t.Fatalf("flag should override env: %q", c.EventName)
	}
	if c.MetricsAddr != ":9200" {
		t.Fatalf("metrics addr = %q", c.MetricsAddr)
	}
	if c.UpstreamHeaders["X-A"] != "1" || c.UpstreamHeaders["X-B"] != "2" {
		t.Fatalf("headers = %v", c.UpstreamHeaders)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestRequestTimeoutSeconds(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "1.5")
	var c BridgeConfig
	c.SetDefaults()
	c.ApplyEnv()
	if c.RequestTimeout != 1500*time.Millisecond {
		t.Fatalf("timeout = %v", c.RequestTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := func() BridgeConfig {
		var c BridgeConfig
		c.SetDefaults()
		c.UpstreamURL = "http://upstream/graphql"
		return c
	}
	tests := []struct {
		name   string
		mutate func(*BridgeConfig)
		check  func(error) bool
	}{
		{"ok", func(*BridgeConfig) {}, func(err error) bool { return err == nil }},
		{"no upstream", func(c *BridgeConfig) { c.UpstreamURL = "" }, func(err error) bool { return errors.Is(err, ErrNoUpstream) }},
		{"bad driver", func(c *BridgeConfig) { c.PushDriver = "kafka" }, func(err error) bool { return err != nil }},
		{"pusher without url", func(c *BridgeConfig) { c.PushDriver = DriverPusher }, func(err error) bool { return err != nil }},
		{"bad initial data", func(c *BridgeConfig) { c.InitialData = "maybe" }, func(err error) bool { return err != nil }},
		{"bad codec", func(c *BridgeConfig) { c.Decompression = "brotli" }, func(err error) bool { return errors.Is(err, codec.ErrUnknownCodec) }},
		{"known codec", func(c *BridgeConfig) { c.Decompression = "zstd" }, func(err error) bool { return err == nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			if err := c.Validate(); !tt.check(err) {
				t.Fatalf("unexpected result %v", err)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	if _, err := parseHeaders("novalue"); err == nil {
		t.Fatalf("expected error")
	}
	h, err := parseHeaders("A=b=c")
	if err != nil || h["A"] != "b=c" {
		t.Fatalf("got %v %v", h, err)
	}
}
