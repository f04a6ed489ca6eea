package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig points the client at the chat backend.
type ServerConfig struct {
	// WSURL is the WebSocket endpoint for the chat event stream.
	WSURL string `yaml:"ws_url"`
	// APIBaseURL is the base URL for HTTP collaborator endpoints
	// (connection status, imports, task polling, preferences).
	APIBaseURL string `yaml:"api_base_url"`
	// AuthToken authenticates both surfaces. Values prefixed with "enc:"
	// are decrypted with AVACHAT_CONFIG_KEY at load time.
	AuthToken string `yaml:"auth_token"`
}

// TransportConfig tunes the WebSocket channel.
type TransportConfig struct {
	// MaxReconnects bounds reconnect attempts after an abnormal closure.
	// Exhaustion degrades the session to read-only history, it never errors out.
	MaxReconnects int `yaml:"max_reconnects"`
	// HandshakeTimeout bounds the wait for the backend "connected" event.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// SendRate / SendBurst rate-limit outbound frames (frames per second).
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// ChatConfig tunes the conversation state machine and invocation tracker.
type ChatConfig struct {
	// ConversationID selects the conversation to attach to. Empty generates one.
	ConversationID string `yaml:"conversation_id"`
	// InvocationCeiling is the terminal-event deadline; past it the tracker
	// synthesizes a timeout failure so the UI never hangs.
	InvocationCeiling time.Duration `yaml:"invocation_ceiling"`
	// SequenceGrace is how long an out-of-order running event may wait for
	// its queued record before being treated as a sequence violation.
	SequenceGrace time.Duration `yaml:"sequence_grace"`
	// MaxHistory truncates the in-memory message list.
	MaxHistory int `yaml:"max_history"`
}

// HistoryConfig holds the local conversation store settings.
type HistoryConfig struct {
	// Path of the SQLite database file. Empty disables persistence.
	Path string `yaml:"path"`
	// Retention is the age past which swept conversations are deleted.
	Retention time.Duration `yaml:"retention"`
	// SweepSchedule is a cron expression for the retention sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Chat      ChatConfig      `yaml:"chat"`
	History   HistoryConfig   `yaml:"history"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// defaultDataDir returns the persistent data directory under $HOME/.avachat.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".avachat")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:      "ws://localhost:8080/ws",
			APIBaseURL: "http://localhost:8080",
		},
		Transport: TransportConfig{
			MaxReconnects:    5,
			HandshakeTimeout: 10 * time.Second,
			SendRate:         4,
			SendBurst:        8,
		},
		Chat: ChatConfig{
			InvocationCeiling: 15 * time.Second,
			SequenceGrace:     2 * time.Second,
			MaxHistory:        500,
		},
		History: HistoryConfig{
			Path:          filepath.Join(defaultDataDir(), "history.db"),
			Retention:     30 * 24 * time.Hour,
			SweepSchedule: "@hourly",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if passphrase := os.Getenv("AVACHAT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets AVACHAT_* variables override the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AVACHAT_WS_URL"); v != "" {
		cfg.Server.WSURL = v
	}
	if v := os.Getenv("AVACHAT_API_BASE_URL"); v != "" {
		cfg.Server.APIBaseURL = v
	}
	if v := os.Getenv("AVACHAT_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("AVACHAT_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AVACHAT_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("AVACHAT_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.MaxReconnects = n
		}
	}
}

// decryptSecrets decrypts any "enc:"-prefixed values in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Server.AuthToken, "enc:") {
		plain, err := DecryptValue(strings.TrimPrefix(cfg.Server.AuthToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("auth token: %w", err)
		}
		cfg.Server.AuthToken = plain
	}
	return nil
}

// Validate checks config invariants.
func Validate(cfg *Config) error {
	if cfg.Server.WSURL == "" {
		return fmt.Errorf("server.ws_url is required")
	}
	if !strings.HasPrefix(cfg.Server.WSURL, "ws://") && !strings.HasPrefix(cfg.Server.WSURL, "wss://") {
		return fmt.Errorf("server.ws_url must use ws:// or wss://")
	}
	if cfg.Server.APIBaseURL == "" {
		return fmt.Errorf("server.api_base_url is required")
	}
	if cfg.Transport.MaxReconnects < 0 {
		return fmt.Errorf("transport.max_reconnects must be >= 0")
	}
	if cfg.Transport.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport.handshake_timeout must be positive")
	}
	if cfg.Chat.InvocationCeiling <= 0 {
		return fmt.Errorf("chat.invocation_ceiling must be positive")
	}
	if cfg.Chat.SequenceGrace <= 0 {
		return fmt.Errorf("chat.sequence_grace must be positive")
	}
	if cfg.Chat.SequenceGrace >= cfg.Chat.InvocationCeiling {
		return fmt.Errorf("chat.sequence_grace must be below chat.invocation_ceiling")
	}
	if cfg.History.Path != "" && cfg.History.Retention <= 0 {
		return fmt.Errorf("history.retention must be positive when history is enabled")
	}
	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
