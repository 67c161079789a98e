package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/TopGunBuild/socket-sub001/ws"
)

// FileConfig is the YAML configuration file of socketd. Zero fields keep
// the server defaults.
type FileConfig struct {
	Addr        string `yaml:"addr"`
	Path        string `yaml:"path"`
	MetricsPath string `yaml:"metricsPath"`

	Auth struct {
		Key           string        `yaml:"key"`
		Algorithm     string        `yaml:"algorithm"`
		DefaultExpiry time.Duration `yaml:"defaultExpiry"`
	} `yaml:"auth"`

	HandshakeTimeout    time.Duration `yaml:"handshakeTimeout"`
	AckTimeout          time.Duration `yaml:"ackTimeout"`
	PingInterval        time.Duration `yaml:"pingInterval"`
	PingTimeout         time.Duration `yaml:"pingTimeout"`
	PingTimeoutDisabled bool          `yaml:"pingTimeoutDisabled"`
	StrictHandshake     *bool         `yaml:"strictHandshake"`
	ProtocolVersion     int           `yaml:"protocolVersion"`
	AllowClientPublish  *bool         `yaml:"allowClientPublish"`
	StreamCleanup       string        `yaml:"streamCleanup"`

	RateLimit *struct {
		Enabled           bool    `yaml:"enabled"`
		MessagesPerSecond float64 `yaml:"messagesPerSecond"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rateLimit"`

	AllowedOrigins []string `yaml:"allowedOrigins"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

func defaultFileConfig() *FileConfig {
	cfg := &FileConfig{
		Addr:            ":8000",
		Path:            "/ws",
		MetricsPath:     "/metrics",
		ShutdownTimeout: 10 * time.Second,
	}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// loadFileConfig reads path over the defaults. An empty path returns the
// defaults.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// serverConfig converts the file config into a server config.
func (f *FileConfig) serverConfig() (*ws.ServerConfig, error) {
	cfg := ws.DefaultServerConfig()
	cfg.Addr = f.Addr
	cfg.Path = f.Path
	if f.Auth.Key != "" {
		cfg.AuthKey = []byte(f.Auth.Key)
	}
	if f.Auth.Algorithm != "" {
		cfg.AuthAlgorithm = f.Auth.Algorithm
	}
	if f.Auth.DefaultExpiry > 0 {
		cfg.AuthDefaultExpiry = f.Auth.DefaultExpiry
	}
	if f.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = f.HandshakeTimeout
	}
	if f.AckTimeout > 0 {
		cfg.AckTimeout = f.AckTimeout
	}
	if f.PingInterval > 0 {
		cfg.PingInterval = f.PingInterval
	}
	if f.PingTimeout > 0 {
		cfg.PingTimeout = f.PingTimeout
	}
	cfg.PingTimeoutDisabled = f.PingTimeoutDisabled
	if f.StrictHandshake != nil {
		cfg.StrictHandshake = *f.StrictHandshake
	}
	if f.ProtocolVersion != 0 {
		cfg.ProtocolVersion = f.ProtocolVersion
	}
	if f.AllowClientPublish != nil {
		cfg.AllowClientPublish = *f.AllowClientPublish
	}
	switch f.StreamCleanup {
	case "", "kill":
		cfg.SocketStreamCleanupMode = ws.CleanupKill
	case "close":
		cfg.SocketStreamCleanupMode = ws.CleanupClose
	default:
		return nil, fmt.Errorf("unknown stream cleanup mode %q", f.StreamCleanup)
	}
	if f.RateLimit != nil {
		cfg.RateLimitConfig = &ws.RateLimitConfig{
			Enabled:           f.RateLimit.Enabled,
			MessagesPerSecond: rate.Limit(f.RateLimit.MessagesPerSecond),
			Burst:             f.RateLimit.Burst,
		}
	}
	if len(f.AllowedOrigins) > 0 {
		cfg.CheckOrigin = originChecker(f.AllowedOrigins)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
