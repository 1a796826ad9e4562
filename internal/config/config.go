// Package config loads the shared MyQuant configuration file. The file is
// usually myquant_config.json; YAML is accepted too since it is a superset.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	FrontendDev FrontendDevConfig `yaml:"frontend_dev"`
	Auth        AuthConfig        `yaml:"auth"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Client      ClientConfig      `yaml:"client"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type FrontendDevConfig struct {
	VitePort int `yaml:"vite_port"`
}

type AuthConfig struct {
	Password string `yaml:"password"`
}

type MonitoringConfig struct {
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`
}

// ClientConfig holds settings that only the terminal client reads.
type ClientConfig struct {
	BaseURL   string `yaml:"base_url"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 5000,
			Host: "127.0.0.1",
		},
		FrontendDev: FrontendDevConfig{
			VitePort: 5173,
		},
		Monitoring: MonitoringConfig{
			PortRangeStart: 8051,
			PortRangeEnd:   8100,
		},
		Client: ClientConfig{
			LogLevel:  "info",
			LogFormat: "text",
			LogFile:   "myquant-tui.log",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Monitoring.PortRangeEnd < c.Monitoring.PortRangeStart {
		return fmt.Errorf("monitoring port range %d-%d is empty",
			c.Monitoring.PortRangeStart, c.Monitoring.PortRangeEnd)
	}
	if c.Client.BaseURL != "" {
		if _, err := url.Parse(c.Client.BaseURL); err != nil {
			return fmt.Errorf("client.base_url: %w", err)
		}
	}
	return nil
}

// BackendURL is the origin the client talks to. client.base_url wins;
// otherwise it is derived from server.host and server.port.
func (c *Config) BackendURL() string {
	if c.Client.BaseURL != "" {
		return c.Client.BaseURL
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + host + ":" + strconv.Itoa(c.Server.Port)
}
