package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	relay "github.com/relay-im/relay-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.relay/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the stored session.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	Username    string `toml:"username"`
	DisplayName string `toml:"display_name"`
	Role        string `toml:"role"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.relay, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".relay")
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

// loadConfig reads and parses the config file, then lets environment
// variables override it. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}

	if v := os.Getenv("RELAY_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("RELAY_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("RELAY_USER_ID"); v != "" {
		cfg.Auth.UserID = v
	}
	return &cfg, nil
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
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		case "display_name":
			cfg.Auth.DisplayName = value
		case "role":
			cfg.Auth.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// clientFromConfig builds the client and session the commands share.
func clientFromConfig(cfg *Config) (*relay.Client, *relay.Session, error) {
	if cfg.Auth.UserID == "" {
		return nil, nil, fmt.Errorf("no session configured: run 'relay login <user-id>' first")
	}
	token := cfg.Auth.Token
	if token == "" {
		token = cfg.Auth.UserID
	}
	var opts []relay.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, relay.WithBaseURL(cfg.Default.BaseURL))
	}
	client := relay.NewClient(token, opts...)
	session := &relay.Session{
		UserID:      cfg.Auth.UserID,
		Username:    cfg.Auth.Username,
		DisplayName: cfg.Auth.DisplayName,
		Role:        cfg.Auth.Role,
		Token:       token,
	}
	if session.Username == "" {
		session.Username = session.UserID
	}
	if session.DisplayName == "" {
		session.DisplayName = session.UserID
	}
	return client, session, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay messaging CLI",
	Long:  "Command-line interface for the Relay messaging SDK.\nWatch conversations, send messages, and inspect presence.",
}

func main() {
	// .env is optional; real environment variables win either way.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
