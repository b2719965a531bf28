package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	conduit "github.com/conduit-chat/conduit-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration stored in ~/.conduit/config.toml. Session
// credentials live next to it in session.toml, owned by the session manager.
type Config struct {
	Default ConfigDefault `toml:"default"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	DataDir string `toml:"data_dir"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.conduit, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".conduit")
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

// loadConfig reads and parses the config file. A missing file yields a
// zero-value Config.
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
		case "data_dir":
			cfg.Default.DataDir = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default)", section)
	}
	return nil
}

// ============================================================================
// App wiring
// ============================================================================

// app bundles the sync core components constructed once per invocation and
// passed to commands; no package-level shared state.
type app struct {
	session    *conduit.SessionManager
	client     *conduit.Client
	cache      *conduit.CacheStore
	outbox     *conduit.Outbox
	reconciler *conduit.Reconciler
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Default.DataDir
	if dataDir == "" {
		dataDir, err = configDir()
		if err != nil {
			return nil, err
		}
	}

	session, err := conduit.NewSessionManager(dataDir,
		conduit.WithManagedToken(conduit.EnvTokenSource{Key: "CONDUIT_MANAGED_TOKEN"}))
	if err != nil {
		return nil, err
	}
	session.OnExpired(func() {
		fmt.Fprintln(os.Stderr, "Session expired. Run 'conduit login <token>' to sign in again.")
	})

	var opts []conduit.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, conduit.WithBaseURL(cfg.Default.BaseURL))
	}
	client := conduit.NewClient(session, opts...)

	cache, err := conduit.NewCacheStore(dataDir)
	if err != nil {
		return nil, err
	}
	outbox, err := conduit.NewOutbox(dataDir)
	if err != nil {
		return nil, err
	}

	return &app{
		session:    session,
		client:     client,
		cache:      cache,
		outbox:     outbox,
		reconciler: conduit.NewReconciler(cache, outbox, client),
	}, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit gateway client",
	Long:  "Command-line client for the Conduit conversational gateway.\nMessages sent while offline queue in a local outbox and deliver on the next sync.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
