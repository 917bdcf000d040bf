package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// ============================================================================
// Config types
// ============================================================================

// envPrefix scopes environment overrides, e.g. CHATSYNC_DEFAULT_BASE_URL.
const envPrefix = "CHATSYNC"

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the backend location and local cache.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url" split_words:"true" validate:"omitempty,url"`
	CacheDir string `toml:"cache_dir" split_words:"true"`
}

// ConfigAuth is the identity the CLI signs in as.
type ConfigAuth struct {
	UserID      string `toml:"user_id" split_words:"true"`
	DisplayName string `toml:"display_name" split_words:"true"`
}

// ConfigSync overrides library timing. Zero keeps the library default.
type ConfigSync struct {
	HeartbeatInterval   Duration `toml:"heartbeat_interval,omitempty" split_words:"true" validate:"gte=0"`
	ReconnectDelay      Duration `toml:"reconnect_delay,omitempty" split_words:"true" validate:"gte=0"`
	RosterPollInterval  Duration `toml:"roster_poll_interval,omitempty" split_words:"true" validate:"gte=0"`
	MessagePollInterval Duration `toml:"message_poll_interval,omitempty" split_words:"true" validate:"gte=0"`
	TitleLookupLimit    int      `toml:"title_lookup_limit,omitempty" split_words:"true" validate:"gte=0,lte=64"`
}

// ConfigLog configures internal/logging.
type ConfigLog struct {
	Level  string `toml:"level,omitempty" split_words:"true" validate:"omitempty,oneof=trace debug info warn warning error disabled off"`
	Format string `toml:"format,omitempty" split_words:"true" validate:"omitempty,oneof=console json"`
}

// Duration is a time.Duration written as text ("20s", "1m30s") in TOML and
// the environment.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig plus .env and CHATSYNC_* overrides,
// validated.
func loadEffectiveConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "cache_dir":
			cfg.Default.CacheDir = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		var target *Duration
		switch field {
		case "heartbeat_interval":
			target = &cfg.Sync.HeartbeatInterval
		case "reconnect_delay":
			target = &cfg.Sync.ReconnectDelay
		case "roster_poll_interval":
			target = &cfg.Sync.RosterPollInterval
		case "message_poll_interval":
			target = &cfg.Sync.MessagePollInterval
		case "title_lookup_limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("title_lookup_limit must be an integer: %w", err)
			}
			cfg.Sync.TitleLookupLimit = n
			return nil
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
		return target.UnmarshalText([]byte(value))
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevelFlag  string
	logFormatFlag string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync CLI",
	Long:  "Command-line client for the chatsync core.\nList chats, follow conversations live, and send messages.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := logging.DefaultConfig()
		if logLevelFlag != "" {
			cfg.Level = logLevelFlag
		}
		if logFormatFlag != "" {
			cfg.Format = logFormatFlag
		}
		logging.Init(cfg)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "log format (console, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
