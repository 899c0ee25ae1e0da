// Package config loads bridge settings: defaults, then an optional YAML file,
// then a .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the full bridge configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Auth    AuthConfig    `yaml:"auth"`
	Mongo   MongoConfig   `yaml:"mongo"`
	LMS     LMSConfig     `yaml:"lms"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BackendConfig struct {
	URL                  string        `yaml:"url"`
	Source               string        `yaml:"source"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type SessionConfig struct {
	DefaultAgent    string        `yaml:"default_agent"`
	HistoryLimit    int           `yaml:"history_limit"`
	MaxAge          time.Duration `yaml:"max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SetupTimeout    time.Duration `yaml:"setup_timeout"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	APIKey    string        `yaml:"api_key"`
}

// MongoConfig enables the session archive when URI is set
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// LMSConfig enables lead push when URL is set
type LMSConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Source  string        `yaml:"source"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			URL:                  "ws://localhost:8765/agent",
			Source:               "callbridge",
			ConnectTimeout:       10 * time.Second,
			ReconnectBaseDelay:   time.Second,
			MaxReconnectAttempts: 5,
		},
		Session: SessionConfig{
			DefaultAgent:    "spotlight",
			HistoryLimit:    100,
			MaxAge:          time.Hour,
			CleanupInterval: 5 * time.Minute,
			SetupTimeout:    10 * time.Second,
			StartTimeout:    10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Mongo: MongoConfig{
			Database:   "callbridge",
			Collection: "sessions",
		},
		LMS: LMSConfig{
			Source:  "voice_call",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Namespace: "callbridge",
		},
	}
}

// Load builds the configuration. path may be empty. A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("PORT", &c.Server.Port)
	e.str("BRIDGE_PORT", &c.Server.Port)
	e.duration("BRIDGE_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	e.str("BRIDGE_BACKEND_URL", &c.Backend.URL)
	e.str("BRIDGE_SOURCE", &c.Backend.Source)
	e.duration("BRIDGE_CONNECT_TIMEOUT", &c.Backend.ConnectTimeout)
	e.duration("BRIDGE_RECONNECT_BASE_DELAY", &c.Backend.ReconnectBaseDelay)
	e.integer("BRIDGE_MAX_RECONNECT_ATTEMPTS", &c.Backend.MaxReconnectAttempts)

	e.str("BRIDGE_DEFAULT_AGENT", &c.Session.DefaultAgent)
	e.integer("BRIDGE_HISTORY_LIMIT", &c.Session.HistoryLimit)
	e.duration("BRIDGE_SESSION_MAX_AGE", &c.Session.MaxAge)
	e.duration("BRIDGE_CLEANUP_INTERVAL", &c.Session.CleanupInterval)
	e.duration("BRIDGE_SETUP_TIMEOUT", &c.Session.SetupTimeout)
	e.duration("BRIDGE_START_TIMEOUT", &c.Session.StartTimeout)

	e.str("BRIDGE_JWT_SECRET", &c.Auth.JWTSecret)
	e.duration("BRIDGE_TOKEN_TTL", &c.Auth.TokenTTL)
	e.str("BRIDGE_API_KEY", &c.Auth.APIKey)

	e.str("MONGODB_URI", &c.Mongo.URI)
	e.str("MONGODB_DATABASE", &c.Mongo.Database)
	e.str("BRIDGE_MONGODB_COLLECTION", &c.Mongo.Collection)

	e.str("BRIDGE_LMS_URL", &c.LMS.URL)
	e.str("BRIDGE_LMS_API_KEY", &c.LMS.APIKey)
	e.str("BRIDGE_LMS_SOURCE", &c.LMS.Source)
	e.duration("BRIDGE_LMS_TIMEOUT", &c.LMS.Timeout)

	e.str("BRIDGE_LOG_LEVEL", &c.Log.Level)
	e.str("BRIDGE_LOG_ENCODING", &c.Log.Encoding)
	e.boolean("BRIDGE_LOG_DEVELOPMENT", &c.Log.Development)

	e.str("BRIDGE_METRICS_NAMESPACE", &c.Metrics.Namespace)

	return e.err
}

// Validate rejects settings the bridge cannot run with
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}

	u, err := url.Parse(c.Backend.URL)
	switch {
	case c.Backend.URL == "":
		errs = append(errs, errors.New("backend.url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("backend.url must use ws or wss, got %q", u.Scheme))
	}
	if c.Backend.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("backend.max_reconnect_attempts must be at least 1"))
	}

	for name, d := range map[string]time.Duration{
		"server.shutdown_timeout":      c.Server.ShutdownTimeout,
		"backend.connect_timeout":      c.Backend.ConnectTimeout,
		"backend.reconnect_base_delay": c.Backend.ReconnectBaseDelay,
		"session.max_age":              c.Session.MaxAge,
		"session.cleanup_interval":     c.Session.CleanupInterval,
		"session.setup_timeout":        c.Session.SetupTimeout,
		"session.start_timeout":        c.Session.StartTimeout,
		"auth.token_ttl":               c.Auth.TokenTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Session.HistoryLimit < 1 {
		errs = append(errs, errors.New("session.history_limit must be at least 1"))
	}

	if c.Auth.APIKey != "" && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.api_key requires auth.jwt_secret"))
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required when mongo.uri is set"))
	}
	if c.LMS.URL != "" {
		if _, err := url.ParseRequestURI(c.LMS.URL); err != nil {
			errs = append(errs, fmt.Errorf("lms.url: %w", err))
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Encoding != "json" && c.Log.Encoding != "console" {
		errs = append(errs, fmt.Errorf("log.encoding must be json or console, got %q", c.Log.Encoding))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *envReader) fail(key string, err error) {
	e.err = errors.Join(e.err, fmt.Errorf("env %s: %w", key, err))
}
