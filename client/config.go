package client

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk form of the driver settings:
//
//	addresses: ["10.0.0.1:1729", "10.0.0.2:1729"]
//	protocol: grpc
//	dial_timeout: 3s
//	pulse_interval: 5s
//	compression: true
//
// Durations are Go duration strings.
type Config struct {
	Addresses      []string `yaml:"addresses"`
	Protocol       string   `yaml:"protocol,omitempty"`
	DialTimeout    string   `yaml:"dial_timeout,omitempty"`
	KeepAlive      string   `yaml:"keep_alive,omitempty"`
	MaxFrameSize   int      `yaml:"max_frame_size,omitempty"`
	PulseInterval  string   `yaml:"pulse_interval,omitempty"`
	RequestTimeout string   `yaml:"request_timeout,omitempty"`
	Compression    bool     `yaml:"compression,omitempty"`
	MaxBatch       int      `yaml:"max_batch,omitempty"`
	BatchWindow    string   `yaml:"batch_window,omitempty"`
	QueueSize      int      `yaml:"queue_size,omitempty"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if _, err := cfg.Options(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Options converts the config; unset fields keep their defaults.
func (c *Config) Options() (Options, error) {
	var o Options
	o.Protocol = c.Protocol
	o.MaxFrameSize = c.MaxFrameSize
	o.Compression = c.Compression
	o.MaxBatch = c.MaxBatch
	o.QueueSize = c.QueueSize

	durations := []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"dial_timeout", c.DialTimeout, &o.DialTimeout},
		{"keep_alive", c.KeepAlive, &o.KeepAlive},
		{"pulse_interval", c.PulseInterval, &o.PulseInterval},
		{"request_timeout", c.RequestTimeout, &o.RequestTimeout},
		{"batch_window", c.BatchWindow, &o.BatchWindow},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return Options{}, fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return o, nil
}
