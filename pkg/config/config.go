// Copyright 2025 The sockbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for sockbridge: the
// bridge core, the socket servers, the actor runtime and the service
// endpoints around them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration written as a string such as "100ms" in both
// YAML and JSON. It can also be used as a map key.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// BridgeConfig configures the socket-to-actor core.
type BridgeConfig struct {
	InitialCapacity int              `yaml:"initial_capacity" json:"initial_capacity"`
	PoolSize        int              `yaml:"pool_size" json:"pool_size"`
	PollInterval    Duration         `yaml:"poll_interval" json:"poll_interval"`
	CloseOrphans    bool             `yaml:"close_orphans" json:"close_orphans"`
	OrphanQueue     int              `yaml:"orphan_queue" json:"orphan_queue"`
	DiagnosticRates map[Duration]int `yaml:"diagnostic_rates" json:"diagnostic_rates"`
}

// Rates returns DiagnosticRates keyed by time.Duration.
func (c BridgeConfig) Rates() map[time.Duration]int {
	if len(c.DiagnosticRates) == 0 {
		return nil
	}
	rates := make(map[time.Duration]int, len(c.DiagnosticRates))
	for d, n := range c.DiagnosticRates {
		rates[time.Duration(d)] = n
	}
	return rates
}

// SocketConfig configures every socket server instance.
type SocketConfig struct {
	ReadBuffer       int `yaml:"read_buffer" json:"read_buffer"`
	WarningThreshold int `yaml:"warning_threshold" json:"warning_threshold"`
	EventQueue       int `yaml:"event_queue" json:"event_queue"`
}

// ActorConfig selects and sizes the actor runtime.
type ActorConfig struct {
	// Runtime is "node" or "protoactor".
	Runtime     string `yaml:"runtime" json:"runtime"`
	MailboxSize int    `yaml:"mailbox_size" json:"mailbox_size"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// AdminConfig configures the admin surfaces: Addr is the gRPC health
// service and HTTPAddr the REST API. An empty address disables its server.
type AdminConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	HTTPAddr string `yaml:"http_addr" json:"http_addr"`
}

// EchoConfig configures the echo service.
type EchoConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// Instance is the socket server the service listens on; 0 is the default
	// server.
	Instance int `yaml:"instance" json:"instance"`
}

// Config holds the complete configuration
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge" json:"bridge"`
	Socket  SocketConfig  `yaml:"socket" json:"socket"`
	Actor   ActorConfig   `yaml:"actor" json:"actor"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
	Echo    EchoConfig    `yaml:"echo" json:"echo"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			InitialCapacity: 4,
			PoolSize:        2,
			PollInterval:    Duration(100 * time.Millisecond),
			CloseOrphans:    true,
			OrphanQueue:     1024,
			DiagnosticRates: map[Duration]int{
				Duration(time.Second): 5,
				Duration(time.Minute): 60,
			},
		},
		Socket: SocketConfig{
			ReadBuffer:       4096,
			WarningThreshold: 1 << 20,
			EventQueue:       4096,
		},
		Actor: ActorConfig{
			Runtime:     "node",
			MailboxSize: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{Addr: ":9102"},
		Admin:   AdminConfig{Addr: ":9103", HTTPAddr: ":9104"},
		Echo: EchoConfig{
			Host:     "0.0.0.0",
			Port:     8888,
			Instance: 1,
		},
	}
}

// LoadConfig loads configuration from a file. Fields missing from the file
// keep their default values.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Info("No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Decoding merges into existing maps, so the default rates are only
	// filled in when the file has none.
	config := DefaultConfig()
	defaultRates := config.Bridge.DiagnosticRates
	config.Bridge.DiagnosticRates = nil
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if config.Bridge.DiagnosticRates == nil {
		config.Bridge.DiagnosticRates = defaultRates
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Infof("Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = os.WriteFile(configPath, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Infof("Configuration saved to %s", configPath)
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validateConfig(c)
}

func validateConfig(config *Config) error {
	b := config.Bridge
	if b.InitialCapacity <= 0 {
		return fmt.Errorf("bridge.initial_capacity must be positive")
	}
	if b.PoolSize < 0 {
		return fmt.Errorf("bridge.pool_size cannot be negative")
	}
	if b.PollInterval <= 0 {
		return fmt.Errorf("bridge.poll_interval must be positive")
	}
	if b.CloseOrphans && b.OrphanQueue <= 0 {
		return fmt.Errorf("bridge.orphan_queue must be positive when close_orphans is set")
	}
	for d, n := range b.DiagnosticRates {
		if d <= 0 || n <= 0 {
			return fmt.Errorf("bridge.diagnostic_rates: invalid rate %d per %s", n, time.Duration(d))
		}
	}

	s := config.Socket
	if s.ReadBuffer <= 0 {
		return fmt.Errorf("socket.read_buffer must be positive")
	}
	if s.WarningThreshold <= 0 {
		return fmt.Errorf("socket.warning_threshold must be positive")
	}
	if s.EventQueue <= 0 {
		return fmt.Errorf("socket.event_queue must be positive")
	}

	switch config.Actor.Runtime {
	case "node", "protoactor":
	default:
		return fmt.Errorf("unsupported actor runtime: %s (supported: node, protoactor)", config.Actor.Runtime)
	}
	if config.Actor.MailboxSize <= 0 {
		return fmt.Errorf("actor.mailbox_size must be positive")
	}

	if _, err := log.ParseLevel(config.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch config.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s (supported: text, json)", config.Log.Format)
	}

	if config.Echo.Port < 0 || config.Echo.Port > 65535 {
		return fmt.Errorf("echo.port out of range: %d", config.Echo.Port)
	}
	if config.Echo.Instance < 0 || config.Echo.Instance > b.PoolSize {
		return fmt.Errorf("echo.instance %d does not name a server (pool_size is %d)", config.Echo.Instance, b.PoolSize)
	}
	return nil
}

// NewLogger builds a logrus logger from the log settings.
func (c LogConfig) NewLogger() (*log.Logger, error) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	logger := log.New()
	logger.SetLevel(level)
	switch c.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
