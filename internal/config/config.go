package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"logrelay/internal/sink"
)

// Environment variables consulted by Load.
const (
	EnvConfigFile = "LOGRELAY_CONFIG"
	EnvSinkHost   = "LOGRELAY_SINK_HOST"
	EnvSinkHostV1 = "LOGSTASH_URL"
	EnvUIPath     = "LOGRELAY_SERVER_UI_BUILD_PATH"
	EnvDebug      = "LOGRELAY_DEBUG"
)

type Listen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type BasicAuth struct {
	Realm string `yaml:"realm"`
	// Users maps user names to bcrypt password hashes.
	Users map[string]string `yaml:"users"`
}

// Enabled reports whether the auth gate is fully configured.
func (b BasicAuth) Enabled() bool {
	return b.Realm != "" && len(b.Users) > 0
}

type Sink struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Application  string        `yaml:"application"`
	Tags         []string      `yaml:"tags"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// Enabled reports whether messages are forwarded to a collector.
func (s Sink) Enabled() bool {
	return s.Host != ""
}

// Addr returns host:port of the collector.
func (s Sink) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type Viewer struct {
	QueueSize int `yaml:"queueSize"`
}

// Config is the relay configuration.
type Config struct {
	MessageServer Listen    `yaml:"messageServer"`
	HTTPServer    Listen    `yaml:"httpServer"`
	Debug         bool      `yaml:"debug"`
	BasicAuth     BasicAuth `yaml:"basicAuth"`
	Sink          Sink      `yaml:"sink"`
	Viewer        Viewer    `yaml:"viewer"`
	UIPath        string    `yaml:"uiPath"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		MessageServer: Listen{Host: "0.0.0.0", Port: 6689},
		HTTPServer:    Listen{Host: "0.0.0.0", Port: 6688},
		Sink: Sink{
			Port:         sink.DefaultPort,
			Application:  "logrelay",
			Tags:         []string{"logrelay"},
			DialTimeout:  sink.DefaultDialTimeout,
			WriteTimeout: sink.DefaultWriteTimeout,
		},
		Viewer: Viewer{QueueSize: 256},
		UIPath: "ui",
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path falls back to $LOGRELAY_CONFIG; if
// that is unset too, only defaults and environment are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if host := os.Getenv(EnvSinkHost); host != "" {
		c.Sink.Host = host
	} else if host := os.Getenv(EnvSinkHostV1); host != "" {
		c.Sink.Host = host
	}
	if uiPath := os.Getenv(EnvUIPath); uiPath != "" {
		c.UIPath = uiPath
	}
	if debug, err := strconv.ParseBool(os.Getenv(EnvDebug)); err == nil {
		c.Debug = debug
	}
}

var ErrInvalidPort = errors.New("port out of range")

// Validate checks the configuration. A half configured basic auth block is
// not an error: it is reported and the gate stays disabled.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"messageServer.port": c.MessageServer.Port,
		"httpServer.port":    c.HTTPServer.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s=%d: %w", name, port, ErrInvalidPort)
		}
	}
	if c.Sink.Enabled() && (c.Sink.Port <= 0 || c.Sink.Port > 65535) {
		return fmt.Errorf("sink.port=%d: %w", c.Sink.Port, ErrInvalidPort)
	}
	if c.Viewer.QueueSize <= 0 {
		return fmt.Errorf("viewer.queueSize must be positive, got %d", c.Viewer.QueueSize)
	}
	if !c.BasicAuth.Enabled() && (c.BasicAuth.Realm != "" || len(c.BasicAuth.Users) > 0) {
		slog.Warn("Unable to enable basic authentication: basicAuth requires both 'users' and 'realm'")
	}
	return nil
}
