package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted by serve and call.
const (
	transportStdio     = "stdio"
	transportSSE       = "sse"
	transportCallback  = "callback"
	transportWebSocket = "websocket"
)

// ErrEmptyConfig is returned for a config file with no content.
var ErrEmptyConfig = errors.New("configuration file is empty")

// Config is the mcpmux configuration file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TransportConfig selects the transport and where it listens or connects.
type TransportConfig struct {
	Kind string `yaml:"kind"`

	// Address is the listen address of serve for HTTP transports.
	Address string `yaml:"address"`
	// URL is the server url call connects to.
	URL string `yaml:"url"`
	// Command and Args start a stdio child process for call.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// CallbackAddress is where call receives callback POSTs.
	CallbackAddress string `yaml:"callbackAddress"`
}

// ServerConfig tunes the session manager and handler.
type ServerConfig struct {
	SendTimeout time.Duration `yaml:"sendTimeout"`
	HighWater   int           `yaml:"highWater"`
	RateLimit   struct {
		Rate  int `yaml:"rate"`
		Burst int `yaml:"burst"`
	} `yaml:"rateLimit"`
}

func defaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Transport: TransportConfig{
			Kind:            transportStdio,
			Address:         ":8080",
			CallbackAddress: "127.0.0.1:8081",
		},
		Server: ServerConfig{
			SendTimeout: 30 * time.Second,
			HighWater:   1024,
		},
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if len(data) == 0 {
		return cfg, fmt.Errorf("%w: %s", ErrEmptyConfig, path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Transport.Kind {
	case transportStdio, transportSSE, transportCallback, transportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
	if c.Server.RateLimit.Rate < 0 || c.Server.RateLimit.Burst < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}
