package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type GRPC struct {
	Addr string `yaml:"addr"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // realtime-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

// Realtime tunes the coordination core. All values are duration strings
// ("6s", "45s"); zero falls back to the built-in defaults.
type Realtime struct {
	TypingTTL   string `yaml:"typingTTL"`   // typing indicator staleness window
	PingEvery   string `yaml:"pingEvery"`   // ws ping interval
	SendTimeout string `yaml:"sendTimeout"` // per-connection write deadline
	RingTimeout string `yaml:"ringTimeout"` // unanswered call expiry
}

// Collaborators are the platform services the core calls out to. Empty
// URLs wire no-op clients (local dev).
type Collaborators struct {
	NotifierURL string `yaml:"notifierURL"`
	MediaURL    string `yaml:"mediaURL"`
}

type Config struct {
	HTTP          HTTP          `yaml:"http"`
	GRPC          GRPC          `yaml:"grpc"`
	Logging       Logging       `yaml:"logging"`
	Postgres      Postgres      `yaml:"postgres"`
	Realtime      Realtime      `yaml:"realtime"`
	Collaborators Collaborators `yaml:"collaborators"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "realtime-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	return nil
}

func (r Realtime) TypingTTLOr(def time.Duration) time.Duration {
	return parseDurationOr(def, r.TypingTTL)
}

func (r Realtime) PingEveryOr(def time.Duration) time.Duration {
	return parseDurationOr(def, r.PingEvery)
}

func (r Realtime) SendTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, r.SendTimeout)
}

func (r Realtime) RingTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, r.RingTimeout)
}

func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
