package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type DispatcherConfig struct {
	Listen            string        `yaml:"listen"`
	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	WorkerTimeout     time.Duration `yaml:"worker_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
}

type WorkerConfig struct {
	Server           string        `yaml:"address"`
	ClientID         string        `yaml:"client_id"`
	Concurrency      int           `yaml:"concurrency"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	ReportInterval   time.Duration `yaml:"report_interval"`
	RegisterTimeout  time.Duration `yaml:"register_timeout"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxRetries       int           `yaml:"max_retries"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Worker     WorkerConfig     `yaml:"server"`
}

func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			Listen:            "0.0.0.0:8080",
			MaxConnections:    1024,
			HeartbeatInterval: 15 * time.Second,
			SweepInterval:     5 * time.Second,
			WorkerTimeout:     30 * time.Second,
			SendBuffer:        64,
		},
		Worker: WorkerConfig{
			Server:           "http://127.0.0.1:8080",
			PingInterval:     15 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			ReportInterval:   2 * time.Second,
			RegisterTimeout:  10 * time.Second,
			RetryDelay:       5 * time.Second,
			MaxRetries:       5,
			RequestTimeout:   30 * time.Second,
		},
	}
}

// Load reads a YAML file on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Dispatcher.MaxConnections <= 0 {
		return fmt.Errorf("dispatcher.max_connections must be positive")
	}
	if c.Dispatcher.WorkerTimeout <= 0 || c.Dispatcher.SweepInterval <= 0 || c.Dispatcher.HeartbeatInterval <= 0 {
		return fmt.Errorf("dispatcher intervals must be positive")
	}
	if c.Dispatcher.SendBuffer <= 0 {
		return fmt.Errorf("dispatcher.send_buffer must be positive")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("server.max_retries must not be negative")
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("server.concurrency must not be negative")
	}
	if c.Worker.RetryDelay <= 0 || c.Worker.PingInterval <= 0 || c.Worker.HeartbeatTimeout <= 0 || c.Worker.ReportInterval <= 0 ||
		c.Worker.RegisterTimeout <= 0 || c.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("server intervals must be positive")
	}
	return nil
}
