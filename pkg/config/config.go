// Package config loads the service configuration from an optional YAML file
// and overlays environment variables on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vosiander/llm-key-requestor/pkg/approval"
)

const DefaultFile = "config.yaml"

// Config holds server configuration. It is built once at startup and not
// mutated afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	LiteLLM   LiteLLMConfig   `yaml:"litellm" json:"litellm"`
	SMTP      SMTPConfig      `yaml:"smtp" json:"smtp"`
	Approval  ApprovalConfig  `yaml:"approval" json:"approval"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Models    []Model         `yaml:"models" json:"models"`
}

type ServerConfig struct {
	Port      string `yaml:"port" json:"port"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"` // "text" | "json"
	// RequestsPerMinute limits key submissions per client address.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	// CORSOrigins lists allowed browser origins; empty allows any.
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

type LiteLLMConfig struct {
	BaseURL      string `yaml:"base_url" json:"base_url"`
	APIKey       string `yaml:"api_key" json:"-"`
	EnableModels *bool  `yaml:"enable_litellm_models" json:"enable_litellm_models"`
}

// ModelsEnabled reports whether the model catalog should be fetched from
// LiteLLM. Unset means enabled.
func (c LiteLLMConfig) ModelsEnabled() bool {
	return c.EnableModels == nil || *c.EnableModels
}

type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
	UseTLS   bool   `yaml:"use_tls" json:"use_tls"`
	// Disabled switches to the log notifier.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

type ApprovalConfig struct {
	QueueInterval string                  `yaml:"queue_interval" json:"queue_interval"`
	Plugins       []approval.PluginConfig `yaml:"plugins" json:"plugins"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // memory | sqlite | postgres | redis
	DSN           string `yaml:"dsn" json:"-"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
	// EncryptionKey is a base64 AES key; api keys are sealed at rest when set.
	EncryptionKey string `yaml:"encryption_key" json:"-"`
}

type AdminConfig struct {
	Username     string `yaml:"username" json:"username"`
	PasswordHash string `yaml:"password_hash" json:"-"`
	JWTSecret    string `yaml:"jwt_secret" json:"-"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// Model is one entry of the local model catalog.
type Model struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Icon        string `yaml:"icon" json:"icon"`
	Color       string `yaml:"color" json:"color"`
	Description string `yaml:"description" json:"description"`
}

// Default returns the configuration used when neither file nor environment
// set a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8000",
			LogLevel:          "INFO",
			LogFormat:         "text",
			RequestsPerMinute: 30,
		},
		LiteLLM: LiteLLMConfig{BaseURL: "http://localhost:4000"},
		SMTP: SMTPConfig{
			Host:   "localhost",
			Port:   587,
			From:   "noreply@example.com",
			UseTLS: true,
		},
		Approval: ApprovalConfig{QueueInterval: "30s"},
		Store: StoreConfig{
			Backend:     "memory",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "keyrequest",
		},
		Admin: AdminConfig{Username: "admin"},
	}
}

// Load reads the file named by CONFIG_FILE (default config.yaml) and applies
// the environment. A missing default file is not an error; a missing file
// named explicitly is.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses one YAML file over the defaults without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.LogLevel, "LOG_LEVEL")
	setString(&c.Server.LogFormat, "LOG_FORMAT")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	setString(&c.LiteLLM.BaseURL, "LITELLM_BASE_URL")
	setString(&c.LiteLLM.APIKey, "LITELLM_API_KEY")
	if v, ok := os.LookupEnv("ENABLE_LITELLM_MODELS"); ok && v != "" {
		enabled := truthy(v)
		c.LiteLLM.EnableModels = &enabled
	}

	setString(&c.SMTP.Host, "SMTP_HOST")
	if err := setInt(&c.SMTP.Port, "SMTP_PORT"); err != nil {
		return err
	}
	setString(&c.SMTP.User, "SMTP_USER")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.From, "SMTP_FROM")
	setBool(&c.SMTP.UseTLS, "SMTP_USE_TLS")

	setString(&c.Approval.QueueInterval, "APPROVAL_QUEUE_INTERVAL")

	setString(&c.Store.Backend, "STORE_BACKEND")
	setString(&c.Store.DSN, "DATABASE_URL")
	setString(&c.Store.RedisAddr, "REDIS_ADDR")
	setString(&c.Store.RedisPassword, "REDIS_PASSWORD")
	if err := setInt(&c.Store.RedisDB, "REDIS_DB"); err != nil {
		return err
	}
	setString(&c.Store.EncryptionKey, "STORE_ENCRYPTION_KEY")

	setString(&c.Admin.Username, "ADMIN_USERNAME")
	setString(&c.Admin.PasswordHash, "ADMIN_PASSWORD_HASH")
	setString(&c.Admin.JWTSecret, "ADMIN_JWT_SECRET")

	setBool(&c.Telemetry.Enabled, "OTEL_ENABLED")
	setString(&c.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	return nil
}

var backends = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "redis": true}

// Validate checks the values that cannot be defaulted. Plugin parameters are
// checked by approval.Build.
func (c *Config) Validate() error {
	var errs []error
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if !backends[c.Store.Backend] {
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required for postgres"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port: required"))
	} else if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port: %q is not a number", c.Server.Port))
	}
	switch strings.ToLower(c.Server.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("server.log_format: unknown format %q", c.Server.LogFormat))
	}
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port: %d out of range", c.SMTP.Port))
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("models[%d]: id is required", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
	}
	return errors.Join(errs...)
}

// Level maps LogLevel to a slog level. Unknown values fall back to INFO.
func (c *Config) Level() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.Server.LogLevel)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = truthy(v)
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a number", key, v)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
