package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv is the environment variable holding the completion API key.
const APIKeyEnv = "OPENAI_API_KEY"

// ErrMissingAPIKey is returned by RequireAPIKey when no key is configured.
var ErrMissingAPIKey = errors.New("completion API key is missing: set " + APIKeyEnv + " or completion.apiKey")

// Config is the root configuration for wagpt.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Transport  TransportConfig  `json:"transport" yaml:"transport"`
	Completion CompletionConfig `json:"completion" yaml:"completion"`
	Relay      RelayConfig      `json:"relay" yaml:"relay"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir" yaml:"dataDir"`
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	DBPath   string `json:"dbPath" yaml:"dbPath"`                       // seen-message log
}

type TransportConfig struct {
	Kind     string         `json:"kind" yaml:"kind"` // "whatsapp" | "telegram"
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type WhatsAppConfig struct {
	StorePath   string `json:"storePath" yaml:"storePath"`                         // credential store (sqlite)
	QRImagePath string `json:"qrImagePath,omitempty" yaml:"qrImagePath,omitempty"` // optional PNG copy of the pairing QR
}

type TelegramConfig struct {
	Token string `json:"token" yaml:"token" secret:"true"`
}

type CompletionConfig struct {
	APIBase        string  `json:"apiBase" yaml:"apiBase"`
	APIKey         string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty" secret:"true"`
	Model          string  `json:"model" yaml:"model"`
	SystemPrompt   string  `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	MaxTokens      int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TimeoutSeconds int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries     int     `json:"maxRetries" yaml:"maxRetries"` // 0 keeps one request per message
}

type RelayConfig struct {
	ReconnectDelayMs      int     `json:"reconnectDelayMs" yaml:"reconnectDelayMs"`
	ReconnectMaxDelayMs   int     `json:"reconnectMaxDelayMs" yaml:"reconnectMaxDelayMs"`
	ReconnectMultiplier   float64 `json:"reconnectMultiplier" yaml:"reconnectMultiplier"`
	ReconnectMaxAttempts  int     `json:"reconnectMaxAttempts" yaml:"reconnectMaxAttempts"` // 0 = unbounded
	BatchPolicy           string  `json:"batchPolicy" yaml:"batchPolicy"`                   // "first" | "last" | "all"
	MaxConcurrentMessages int     `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
	DedupTTLMinutes       int     `json:"dedupTTLMinutes" yaml:"dedupTTLMinutes"`
	PersistDedup          bool    `json:"persistDedup" yaml:"persistDedup"`
	ExitOnLogout          bool    `json:"exitOnLogout" yaml:"exitOnLogout"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// DefaultConfigDir returns the default config directory (~/.wagpt).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagpt"
	}
	return filepath.Join(home, ".wagpt")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file, expands ${VAR} references, applies the API key
// environment override and validates the result. Files ending in .yaml or
// .yml are decoded as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	return finish(cfg)
}

// LoadOrDefaults behaves like Load but falls back to Defaults when the file
// does not exist. The env override and validation still apply.
func LoadOrDefaults(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); errors.Is(err, os.ErrNotExist) {
		return finish(Defaults())
	}
	return Load(path)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnv(cfg)

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.DBPath = ExpandPath(cfg.General.DBPath)
	cfg.Transport.WhatsApp.StorePath = ExpandPath(cfg.Transport.WhatsApp.StorePath)
	cfg.Transport.WhatsApp.QRImagePath = ExpandPath(cfg.Transport.WhatsApp.QRImagePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides file values with environment variables.
func ApplyEnv(cfg *Config) {
	if key := strings.TrimSpace(os.Getenv(APIKeyEnv)); key != "" {
		cfg.Completion.APIKey = key
	}
	if token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); token != "" {
		cfg.Transport.Telegram.Token = token
	}
}

// RequireAPIKey returns ErrMissingAPIKey when no completion key is set. An
// unexpanded ${VAR} reference counts as missing.
func RequireAPIKey(cfg *Config) error {
	key := strings.TrimSpace(cfg.Completion.APIKey)
	if key == "" || envVarPattern.MatchString(key) {
		return ErrMissingAPIKey
	}
	return nil
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

// Save writes cfg to path, as YAML or JSON depending on the extension.
// The API key is never written when it came from the environment.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	out := *cfg
	if env := strings.TrimSpace(os.Getenv(APIKeyEnv)); env != "" && env == out.Completion.APIKey {
		out.Completion.APIKey = ""
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(&out)
	} else {
		data, err = json.MarshalIndent(&out, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Transport.Kind {
	case "whatsapp":
		if cfg.Transport.WhatsApp.StorePath == "" {
			errs = append(errs, "transport.whatsapp.storePath is required")
		}
	case "telegram":
		// token is checked at startup so `config set` can fill it in later
	default:
		errs = append(errs, "transport.kind must be one of: whatsapp, telegram")
	}

	if cfg.Completion.APIBase == "" {
		errs = append(errs, "completion.apiBase is required")
	}
	if cfg.Completion.Model == "" {
		errs = append(errs, "completion.model is required")
	}
	if cfg.Completion.TimeoutSeconds < 1 {
		errs = append(errs, "completion.timeoutSeconds must be >= 1")
	}
	if cfg.Completion.MaxRetries < 0 || cfg.Completion.MaxRetries > 5 {
		errs = append(errs, "completion.maxRetries must be between 0 and 5")
	}
	if cfg.Completion.Temperature < 0 || cfg.Completion.Temperature > 2 {
		errs = append(errs, "completion.temperature must be between 0 and 2")
	}

	if cfg.Relay.ReconnectDelayMs < 0 {
		errs = append(errs, "relay.reconnectDelayMs must be >= 0")
	}
	if cfg.Relay.ReconnectMaxDelayMs != 0 && cfg.Relay.ReconnectMaxDelayMs < cfg.Relay.ReconnectDelayMs {
		errs = append(errs, "relay.reconnectMaxDelayMs must be 0 or >= reconnectDelayMs")
	}
	if cfg.Relay.ReconnectMultiplier != 0 && cfg.Relay.ReconnectMultiplier < 1 {
		errs = append(errs, "relay.reconnectMultiplier must be 0 or >= 1")
	}
	if cfg.Relay.ReconnectMaxAttempts < 0 {
		errs = append(errs, "relay.reconnectMaxAttempts must be >= 0")
	}
	switch cfg.Relay.BatchPolicy {
	case "first", "last", "all":
	default:
		errs = append(errs, "relay.batchPolicy must be one of: first, last, all")
	}
	if cfg.Relay.MaxConcurrentMessages < 1 || cfg.Relay.MaxConcurrentMessages > 100 {
		errs = append(errs, "relay.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.Relay.DedupTTLMinutes < 1 {
		errs = append(errs, "relay.dedupTTLMinutes must be >= 1")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
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
