// Copyright 2025 Tom Barlow
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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kballard/go-shellquote"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tombee/ssh-mcp/internal/secrets"
	"github.com/tombee/ssh-mcp/internal/sshsession"
	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SSH_MCP"

// DefaultInstructions is the instruction text advertised to MCP clients.
const DefaultInstructions = "Expose bounded SSH lifecycle tools for remote command execution. " +
	"Open sessions explicitly, run commands by session id, and close sessions."

// Transports supported by the serve command.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Tracing exporters.
const (
	ExporterConsole  = "console"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
)

// Config represents the complete ssh-mcp configuration.
type Config struct {
	SSH     SSHConfig     `yaml:"ssh"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// SSHConfig configures the session manager.
//
// Every field can be overridden by SSH_MCP_<FIELD_NAME>, for example
// SSH_MCP_SESSION_IDLE_TIMEOUT_SECONDS.
type SSHConfig struct {
	// Command is the ssh executable.
	// Default: ssh
	Command string `yaml:"command" split_words:"true"`

	// BaseArgs are shell words inserted after Command in every invocation.
	BaseArgs string `yaml:"base_args,omitempty" split_words:"true"`

	// TimeoutSeconds bounds each local ssh invocation.
	// Default: 60
	TimeoutSeconds int `yaml:"timeout_seconds" split_words:"true"`

	// AllowedHosts restricts reachable hosts. Empty allows any host.
	// The environment form is comma separated.
	AllowedHosts []string `yaml:"allowed_hosts,omitempty" split_words:"true"`

	DefaultHost string `yaml:"default_host,omitempty" split_words:"true"`
	DefaultUser string `yaml:"default_user,omitempty" split_words:"true"`
	// DefaultPort of 0 leaves the port to the ssh client.
	DefaultPort int `yaml:"default_port,omitempty" split_words:"true"`

	// MaxCommandChars caps the remote command length.
	// Default: 4000
	MaxCommandChars int `yaml:"max_command_chars" split_words:"true"`

	// MaxOutputChars caps each of stdout and stderr in results.
	// Default: 20000
	MaxOutputChars int `yaml:"max_output_chars" split_words:"true"`

	// HealthCheckArgs are shell words appended by the health check. An
	// explicit empty value skips the probe.
	// Default: -V
	HealthCheckArgs *string `yaml:"health_check_args,omitempty" split_words:"true"`

	// Password, PasswordFile and PasswordKeyring are mutually exclusive
	// sources for password authentication.
	Password        string `yaml:"password,omitempty" split_words:"true"`
	PasswordFile    string `yaml:"password_file,omitempty" split_words:"true"`
	PasswordKeyring string `yaml:"password_keyring,omitempty" split_words:"true"`

	// SessionIdleTimeoutSeconds expires unused sessions.
	// Default: 300
	SessionIdleTimeoutSeconds int `yaml:"session_idle_timeout_seconds" split_words:"true"`

	// MaxSessions caps concurrently open sessions.
	// Default: 32
	MaxSessions int `yaml:"max_sessions" split_words:"true"`

	// SessionDir holds control sockets. Empty uses a temporary directory.
	SessionDir string `yaml:"session_dir,omitempty" split_words:"true"`

	// ReapIntervalSeconds enables a periodic idle sweep when positive.
	// Default: 0 (sessions expire lazily on the next operation)
	ReapIntervalSeconds int `yaml:"reap_interval_seconds,omitempty" split_words:"true"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	// Name is advertised to MCP clients.
	// Environment: SSH_MCP_NAME
	Name string `yaml:"name"`

	// Instructions is advertised to MCP clients.
	// Environment: SSH_MCP_INSTRUCTIONS
	Instructions string `yaml:"instructions"`

	// Transport is "stdio" or "http".
	// Environment: SSH_MCP_TRANSPORT
	Transport string `yaml:"transport"`

	// HTTPAddr is the listen address for the http transport.
	// Environment: SSH_MCP_HTTP_ADDR
	HTTPAddr string `yaml:"http_addr" split_words:"true"`

	// MetricsAddr serves /metrics and /healthz when set.
	// Environment: SSH_MCP_METRICS_ADDR
	MetricsAddr string `yaml:"metrics_addr,omitempty" split_words:"true"`

	RateLimit RateLimitConfig `yaml:"rate_limit" split_words:"true"`
}

// RateLimitConfig bounds tool call rates. Zero disables a limit.
type RateLimitConfig struct {
	// CallsPerMinute applies to every tool call.
	// Environment: SSH_MCP_RATE_LIMIT_CALLS_PER_MINUTE
	CallsPerMinute int `yaml:"calls_per_minute" split_words:"true"`

	// OpensPerMinute applies to ssh_open_session on top of CallsPerMinute.
	// Environment: SSH_MCP_RATE_LIMIT_OPENS_PER_MINUTE
	OpensPerMinute int `yaml:"opens_per_minute" split_words:"true"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	// Environment: SSH_MCP_LOG_LEVEL
	Level string `yaml:"level"`

	// Format is json or text.
	// Environment: SSH_MCP_LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source locations to log records.
	// Environment: SSH_MCP_LOG_ADD_SOURCE
	AddSource bool `yaml:"add_source" split_words:"true"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Environment: SSH_MCP_TRACING_ENABLED
	Enabled bool `yaml:"enabled"`

	// Exporter is console, otlp or otlp-http.
	// Environment: SSH_MCP_TRACING_EXPORTER
	Exporter string `yaml:"exporter"`

	// Endpoint is the collector address for the otlp exporters.
	// Environment: SSH_MCP_TRACING_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for the otlp exporters.
	// Environment: SSH_MCP_TRACING_INSECURE
	Insecure bool `yaml:"insecure,omitempty"`
}

// Default returns a configuration with default values.
func Default() *Config {
	healthArgs := "-V"
	return &Config{
		SSH: SSHConfig{
			Command:                   sshsession.DefaultCommand,
			TimeoutSeconds:            int(sshsession.DefaultTimeout / time.Second),
			MaxCommandChars:           sshsession.DefaultMaxCommandChars,
			MaxOutputChars:            sshsession.DefaultMaxOutputChars,
			HealthCheckArgs:           &healthArgs,
			SessionIdleTimeoutSeconds: int(sshsession.DefaultIdleTimeout / time.Second),
			MaxSessions:               sshsession.DefaultMaxSessions,
		},
		Server: ServerConfig{
			Name:         "ssh-mcp",
			Instructions: DefaultInstructions,
			Transport:    TransportStdio,
			HTTPAddr:     "127.0.0.1:8080",
			RateLimit: RateLimitConfig{
				CallsPerMinute: 120,
				OpensPerMinute: 30,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter: ExporterConsole,
		},
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over the file. If configPath is
// empty, the default config file is read when it exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if path, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				configPath = path
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &sshmcperrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s: %v", configPath, err),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, &sshmcperrors.ConfigError{
			Key:    "environment",
			Reason: err.Error(),
			Cause:  err,
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in zero values so minimal config files work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if strings.TrimSpace(c.SSH.Command) == "" {
		c.SSH.Command = defaults.SSH.Command
	}
	if c.SSH.TimeoutSeconds == 0 {
		c.SSH.TimeoutSeconds = defaults.SSH.TimeoutSeconds
	}
	if c.SSH.MaxCommandChars == 0 {
		c.SSH.MaxCommandChars = defaults.SSH.MaxCommandChars
	}
	if c.SSH.MaxOutputChars == 0 {
		c.SSH.MaxOutputChars = defaults.SSH.MaxOutputChars
	}
	if c.SSH.HealthCheckArgs == nil {
		c.SSH.HealthCheckArgs = defaults.SSH.HealthCheckArgs
	}
	if c.SSH.SessionIdleTimeoutSeconds == 0 {
		c.SSH.SessionIdleTimeoutSeconds = defaults.SSH.SessionIdleTimeoutSeconds
	}
	if c.SSH.MaxSessions == 0 {
		c.SSH.MaxSessions = defaults.SSH.MaxSessions
	}

	if c.Server.Name == "" {
		c.Server.Name = defaults.Server.Name
	}
	if c.Server.Instructions == "" {
		c.Server.Instructions = defaults.Server.Instructions
	}
	if c.Server.Transport == "" {
		c.Server.Transport = defaults.Server.Transport
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = defaults.Server.HTTPAddr
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv overlays SSH_MCP_* environment variables. Unset variables
// leave the current value untouched.
func (c *Config) loadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, &c.SSH); err != nil {
		return err
	}
	if err := envconfig.Process(EnvPrefix, &c.Server); err != nil {
		return err
	}
	if err := envconfig.Process(EnvPrefix+"_LOG", &c.Log); err != nil {
		return err
	}
	if err := envconfig.Process(EnvPrefix+"_TRACING", &c.Tracing); err != nil {
		return err
	}
	return nil
}

// normalize trims values and resolves paths.
func (c *Config) normalize() error {
	c.SSH.Command = strings.TrimSpace(c.SSH.Command)
	c.SSH.DefaultHost = strings.TrimSpace(c.SSH.DefaultHost)
	c.SSH.DefaultUser = strings.TrimSpace(c.SSH.DefaultUser)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Server.Transport = strings.ToLower(strings.TrimSpace(c.Server.Transport))

	hosts := make([]string, 0, len(c.SSH.AllowedHosts))
	for _, entry := range c.SSH.AllowedHosts {
		if entry = strings.TrimSpace(entry); entry != "" {
			hosts = append(hosts, entry)
		}
	}
	c.SSH.AllowedHosts = hosts

	for _, p := range []*string{&c.SSH.SessionDir, &c.SSH.PasswordFile} {
		value := strings.TrimSpace(*p)
		if value == "" || strings.ContainsAny(value, "\r\n") {
			// Newlines are reported by Validate.
			*p = value
			continue
		}
		expanded, err := expandHome(value)
		if err != nil {
			return &sshmcperrors.ConfigError{Key: "ssh", Reason: err.Error(), Cause: err}
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return &sshmcperrors.ConfigError{Key: "ssh", Reason: err.Error(), Cause: err}
		}
		*p = abs
	}

	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.SSH.Command == "" {
		errs = append(errs, "ssh.command is required and must be non-empty")
	}
	if _, err := c.SSH.ParsedBaseArgs(); err != nil {
		errs = append(errs, fmt.Sprintf("ssh.base_args could not be parsed: %v", err))
	}
	if _, err := c.SSH.ParsedHealthCheckArgs(); err != nil {
		errs = append(errs, fmt.Sprintf("ssh.health_check_args could not be parsed: %v", err))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"ssh.timeout_seconds", c.SSH.TimeoutSeconds},
		{"ssh.max_command_chars", c.SSH.MaxCommandChars},
		{"ssh.max_output_chars", c.SSH.MaxOutputChars},
		{"ssh.session_idle_timeout_seconds", c.SSH.SessionIdleTimeoutSeconds},
		{"ssh.max_sessions", c.SSH.MaxSessions},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be greater than zero, got %d", p.name, p.value))
		}
	}
	if c.SSH.ReapIntervalSeconds < 0 {
		errs = append(errs, fmt.Sprintf("ssh.reap_interval_seconds must not be negative, got %d", c.SSH.ReapIntervalSeconds))
	}

	for _, entry := range c.SSH.AllowedHosts {
		if err := validateAllowlistEntry(entry); err != nil {
			errs = append(errs, fmt.Sprintf("ssh.allowed_hosts contains an invalid host entry. Received: %s", entry))
		}
	}
	if c.SSH.DefaultHost != "" {
		if _, err := sshsession.NormalizeHost(c.SSH.DefaultHost); err != nil {
			errs = append(errs, fmt.Sprintf("ssh.default_host: %s", sshmcperrors.MessageOf(err)))
		}
	}
	if c.SSH.DefaultUser != "" {
		if _, err := sshsession.NormalizeIdentifier(c.SSH.DefaultUser, "user"); err != nil {
			errs = append(errs, fmt.Sprintf("ssh.default_user: %s", sshmcperrors.MessageOf(err)))
		}
	}
	if c.SSH.DefaultPort != 0 {
		if _, err := sshsession.NormalizePort(c.SSH.DefaultPort, "ssh.default_port"); err != nil {
			errs = append(errs, sshmcperrors.MessageOf(err))
		}
	}
	if strings.ContainsAny(c.SSH.SessionDir, "\r\n") {
		errs = append(errs, "ssh.session_dir cannot contain newline characters")
	}
	if _, err := c.SSH.PasswordSource(); err != nil {
		errs = append(errs, sshmcperrors.MessageOf(err))
	}

	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		errs = append(errs, fmt.Sprintf("server.transport must be one of [stdio, http], got %q", c.Server.Transport))
	}
	if c.Server.RateLimit.CallsPerMinute < 0 || c.Server.RateLimit.OpensPerMinute < 0 {
		errs = append(errs, "server.rate_limit values must not be negative")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case ExporterConsole:
		case ExporterOTLP, ExporterOTLPHTTP:
			if c.Tracing.Endpoint == "" {
				errs = append(errs, fmt.Sprintf("tracing.endpoint is required for the %s exporter", c.Tracing.Exporter))
			}
		default:
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [console, otlp, otlp-http], got %q", c.Tracing.Exporter))
		}
	}

	if len(errs) > 0 {
		return &sshmcperrors.ConfigError{
			Key:    "validation",
			Reason: strings.Join(errs, "; "),
		}
	}

	return nil
}

// validateAllowlistEntry accepts host names and host patterns using * and ?.
func validateAllowlistEntry(entry string) error {
	if !strings.ContainsAny(entry, "*?") {
		_, err := sshsession.NormalizeHost(entry)
		return err
	}
	if !doublestar.ValidatePattern(entry) {
		return errors.New("invalid pattern")
	}
	literal := strings.NewReplacer("*", "x", "?", "x").Replace(entry)
	_, err := sshsession.NormalizeHost(literal)
	return err
}

// ParsedBaseArgs splits BaseArgs into shell words.
func (s *SSHConfig) ParsedBaseArgs() ([]string, error) {
	return splitShellWords(s.BaseArgs)
}

// ParsedHealthCheckArgs splits HealthCheckArgs into shell words. The result
// is non-nil so an explicit empty value is distinguishable from unset.
func (s *SSHConfig) ParsedHealthCheckArgs() ([]string, error) {
	if s.HealthCheckArgs == nil {
		return nil, nil
	}
	words, err := splitShellWords(*s.HealthCheckArgs)
	if err != nil {
		return nil, err
	}
	if words == nil {
		words = []string{}
	}
	return words, nil
}

// PasswordSource builds the configured password source, or nil.
func (s *SSHConfig) PasswordSource() (secrets.PasswordSource, error) {
	return secrets.NewPasswordSource(secrets.Settings{
		Inline:          s.Password,
		File:            s.PasswordFile,
		KeychainAccount: s.PasswordKeyring,
	})
}

// ManagerConfig converts the settings into a session manager configuration.
func (c *Config) ManagerConfig() (sshsession.Config, error) {
	baseArgs, err := c.SSH.ParsedBaseArgs()
	if err != nil {
		return sshsession.Config{}, &sshmcperrors.ConfigError{Key: "ssh.base_args", Reason: err.Error(), Cause: err}
	}
	healthArgs, err := c.SSH.ParsedHealthCheckArgs()
	if err != nil {
		return sshsession.Config{}, &sshmcperrors.ConfigError{Key: "ssh.health_check_args", Reason: err.Error(), Cause: err}
	}
	password, err := c.SSH.PasswordSource()
	if err != nil {
		return sshsession.Config{}, err
	}

	return sshsession.Config{
		Command:         c.SSH.Command,
		BaseArgs:        baseArgs,
		Timeout:         time.Duration(c.SSH.TimeoutSeconds) * time.Second,
		AllowedHosts:    c.SSH.AllowedHosts,
		DefaultHost:     c.SSH.DefaultHost,
		DefaultUser:     c.SSH.DefaultUser,
		DefaultPort:     c.SSH.DefaultPort,
		MaxCommandChars: c.SSH.MaxCommandChars,
		MaxOutputChars:  c.SSH.MaxOutputChars,
		HealthCheckArgs: healthArgs,
		IdleTimeout:     time.Duration(c.SSH.SessionIdleTimeoutSeconds) * time.Second,
		MaxSessions:     c.SSH.MaxSessions,
		SessionDir:      c.SSH.SessionDir,
		Password:        password,
	}, nil
}

// ReapInterval returns the periodic sweep interval, or zero when disabled.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.SSH.ReapIntervalSeconds) * time.Second
}

// Redacted returns a copy safe to print, with the inline password masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.SSH.AllowedHosts = append([]string(nil), c.SSH.AllowedHosts...)
	if out.SSH.Password != "" {
		out.SSH.Password = "[REDACTED]"
	}
	return &out
}

func splitShellWords(raw string) ([]string, error) {
	stripped := strings.TrimSpace(raw)
	if stripped == "" {
		return nil, nil
	}
	return shellquote.Split(stripped)
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
