package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for notibot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Source   SourceConfig   `json:"source"`
	Poll     PollConfig     `json:"poll"`
	Channels ChannelsConfig `json:"channels"`
	Dedup    DedupConfig    `json:"dedup"`
	Delivery DeliveryConfig `json:"delivery"`
	Enrich   EnrichConfig   `json:"enrich"`
	Journal  JournalConfig  `json:"journal"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`  // state file, lock file, session cache live here
	LogLevel string `json:"logLevel"` // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty"`
}

// StatePath returns the watermark/seen state file location.
func (g GeneralConfig) StatePath() string {
	return filepath.Join(g.DataDir, "state.json")
}

// LockPath returns the singleton lock file location.
func (g GeneralConfig) LockPath() string {
	return filepath.Join(g.DataDir, "notibot.lock")
}

// SessionPath returns the cached auth session file location.
func (g GeneralConfig) SessionPath() string {
	return filepath.Join(g.DataDir, "session.json")
}

// SourceConfig describes the inbox API and how to authenticate against it.
type SourceConfig struct {
	BaseURL        string     `json:"baseUrl"`
	Auth           AuthConfig `json:"auth"`
	RatePerMinute  int        `json:"ratePerMinute"`  // fetch-side token bucket
	Burst          int        `json:"burst"`
	TimeoutSeconds int        `json:"timeoutSeconds"` // per-request timeout
}

type AuthConfig struct {
	Mode       string `json:"mode"` // "password" | "browser"
	LoginURL   string `json:"loginUrl,omitempty"`
	TokenURL   string `json:"tokenUrl,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	ProfileDir string `json:"profileDir,omitempty"` // chrome profile for browser mode
	TokenKey   string `json:"tokenKey,omitempty"`   // localStorage key probed by browser login
}

type PollConfig struct {
	IntervalSeconds   int  `json:"intervalSeconds"`
	PageCap           int  `json:"pageCap"`  // max pages walked per channel per cycle (1-20)
	PageSize          int  `json:"pageSize"`
	HardCutoffMinutes int  `json:"hardCutoffMinutes"` // older than this: acknowledge, never deliver
	FastForward       bool `json:"fastForwardOnFirstRun"`
}

type ChannelsConfig struct {
	System ChannelConfig `json:"system"`
	Notice ChannelConfig `json:"notice"`
}

// ChannelConfig controls polling of one logical inbox channel.
type ChannelConfig struct {
	Enabled   bool   `json:"enabled"`
	Readness  string `json:"readness,omitempty"` // "" | "read" | "unread"
	ExcludeCC bool   `json:"excludeCc,omitempty"`
	Kind      string `json:"kind,omitempty"` // "" | "message" | "notice"
}

type DedupConfig struct {
	SoftBucketSeconds int `json:"softBucketSeconds"` // sender|title soft-dup window
	SeenCap           int `json:"seenCap"`           // seen-set size before bulk eviction
}

type DeliveryConfig struct {
	Sink            string         `json:"sink"` // "telegram" | "webhook"
	MinIntervalMs   int            `json:"minIntervalMs"`
	MaxAttachmentMB int            `json:"maxAttachmentMb"`
	Telegram        TelegramConfig `json:"telegram"`
	Webhook         WebhookConfig  `json:"webhook"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ChatID    string `json:"chatId"`
	ParseMode string `json:"parseMode"`
}

type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"` // HMAC-SHA256 signing key
	MaxLen int    `json:"maxLen,omitempty"`
}

type EnrichConfig struct {
	Enabled  bool   `json:"enabled"`
	RulesDir string `json:"rulesDir,omitempty"` // extra YAML keyword rules
}

type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"` // host:port for /metrics and /healthz
}

// DefaultConfigDir returns the default config directory (~/.notibot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notibot"
	}
	return filepath.Join(home, ".notibot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
	cfg.Enrich.RulesDir = ExpandPath(cfg.Enrich.RulesDir)
	cfg.Source.Auth.ProfileDir = ExpandPath(cfg.Source.Auth.ProfileDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.DataDir == "" {
		errs = append(errs, "general.dataDir must not be empty")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Poll.IntervalSeconds < 5 {
		errs = append(errs, "poll.intervalSeconds must be >= 5")
	}
	if cfg.Poll.PageCap < 1 || cfg.Poll.PageCap > 20 {
		errs = append(errs, "poll.pageCap must be between 1 and 20")
	}
	if cfg.Poll.PageSize < 1 || cfg.Poll.PageSize > 100 {
		errs = append(errs, "poll.pageSize must be between 1 and 100")
	}
	if cfg.Poll.HardCutoffMinutes < 0 {
		errs = append(errs, "poll.hardCutoffMinutes must be >= 0")
	}

	if cfg.Dedup.SoftBucketSeconds < 1 {
		errs = append(errs, "dedup.softBucketSeconds must be >= 1")
	}
	if cfg.Dedup.SeenCap < 16 {
		errs = append(errs, "dedup.seenCap must be >= 16")
	}

	for name, ch := range map[string]ChannelConfig{"system": cfg.Channels.System, "notice": cfg.Channels.Notice} {
		switch ch.Readness {
		case "", "read", "unread":
			// valid
		default:
			errs = append(errs, fmt.Sprintf("channels.%s.readness must be one of: read, unread", name))
		}
		switch ch.Kind {
		case "", "message", "notice":
			// valid
		default:
			errs = append(errs, fmt.Sprintf("channels.%s.kind must be one of: message, notice", name))
		}
	}
	if !cfg.Channels.System.Enabled && !cfg.Channels.Notice.Enabled {
		errs = append(errs, "at least one channel must be enabled")
	}

	// Sink credentials are checked by the sink constructors so that a fresh
	// config can still be loaded and edited before tokens are filled in.
	switch cfg.Delivery.Sink {
	case "telegram", "webhook":
		// valid
	default:
		errs = append(errs, "delivery.sink must be one of: telegram, webhook")
	}
	if cfg.Delivery.MinIntervalMs < 0 {
		errs = append(errs, "delivery.minIntervalMs must be >= 0")
	}
	if cfg.Delivery.MaxAttachmentMB < 1 {
		errs = append(errs, "delivery.maxAttachmentMb must be >= 1")
	}

	switch cfg.Source.Auth.Mode {
	case "password", "browser":
		// valid
	default:
		errs = append(errs, "source.auth.mode must be one of: password, browser")
	}
	if cfg.Source.RatePerMinute < 1 {
		errs = append(errs, "source.ratePerMinute must be >= 1")
	}
	if cfg.Source.TimeoutSeconds < 1 {
		errs = append(errs, "source.timeoutSeconds must be >= 1")
	}

	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when journal.enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseLevel maps a config log level string to a slog.Level (info by default).
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
