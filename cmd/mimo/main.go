package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.mimo/config.toml.
type Config struct {
	Client ConfigClient `toml:"client"`
	Hub    ConfigHub    `toml:"hub"`
}

// ConfigClient holds the connection used by the client commands.
type ConfigClient struct {
	Endpoint  string `toml:"endpoint"`
	UID       string `toml:"uid"`
	Token     string `toml:"token"`
	FirstName string `toml:"first_name"`
	LastName  string `toml:"last_name"`
	Role      string `toml:"role"`
}

// ConfigHub holds defaults for `mimo serve`.
type ConfigHub struct {
	Listen  string `toml:"listen"`
	DataDir string `toml:"data_dir"`
	Seed    string `toml:"seed"`
	Secret  string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.mimo, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".mimo")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

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

// setConfigValue sets a config field using dot notation (e.g. "client.endpoint").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. client.endpoint)")
	}

	switch section {
	case "client":
		switch field {
		case "endpoint":
			cfg.Client.Endpoint = value
		case "uid":
			cfg.Client.UID = value
		case "token":
			cfg.Client.Token = value
		case "first_name":
			cfg.Client.FirstName = value
		case "last_name":
			cfg.Client.LastName = value
		case "role":
			if value != "customer" && value != "employee" {
				return fmt.Errorf("role must be customer or employee, got %q", value)
			}
			cfg.Client.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	case "hub":
		switch field {
		case "listen":
			cfg.Hub.Listen = value
		case "data_dir":
			cfg.Hub.DataDir = value
		case "seed":
			cfg.Hub.Seed = value
		case "secret":
			cfg.Hub.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [hub]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: client, hub)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var logLevel string

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "mimo",
	Short: "Mimo exchange CLI",
	Long:  "Command-line interface for Mimo.\nRun a hub, act as a customer or employee, and watch state converge.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("MIMO_LOG_LEVEL", "info"), "debug, info, warn or error")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
