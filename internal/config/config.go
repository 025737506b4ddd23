// Package config handles loading and managing quotewatch configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the quotewatch configuration.
type Config struct {
	Data     DataConfig     `toml:"data"`
	OAuth    OAuthConfig    `toml:"oauth"`
	Provider ProviderConfig `toml:"provider"`
	Watch    WatchConfig    `toml:"watch"`
	Classify ClassifyConfig `toml:"classify"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// OAuthConfig holds OAuth configuration.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
	Account       string `toml:"account"` // mailbox account email
}

// ProviderConfig holds mail provider access configuration.
type ProviderConfig struct {
	RateLimitQPS int     `toml:"rate_limit_qps"` // query budget against the provider
	Concurrency  int     `toml:"concurrency"`    // max parallel requests per sweep
	SendQPS      float64 `toml:"send_qps"`       // pacing for outbound draft sends
}

// WatchConfig holds reconciliation poller configuration.
type WatchConfig struct {
	PollIntervalSeconds    int      `toml:"poll_interval_seconds"`   // tick spacing
	BudgetMinutes          int      `toml:"budget_minutes"`          // absolute wall-clock budget
	BaselineMarginSeconds  int      `toml:"baseline_margin_seconds"` // cutoff safety margin
	QuoteFolders           []string `toml:"quote_folders"`           // destination folders scanned for filed replies
	RecencyWindowMinutes   int      `toml:"recency_window_minutes"`  // batches older than this are not restored as active
	AssumeQuoteWhenUnfiled bool     `toml:"assume_quote_when_unfiled"`
}

// ClassifyConfig holds reply classification configuration.
type ClassifyConfig struct {
	TopicToken    string `toml:"topic_token"`     // subject marker for batch mail (e.g. "RFQ")
	MinReplyChars int    `toml:"min_reply_chars"` // shorter bodies are treated as auto-acks
}

// DefaultHome returns the default quotewatch home directory.
// Respects QUOTEWATCH_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("QUOTEWATCH_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quotewatch"
	}
	return filepath.Join(home, ".quotewatch")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.quotewatch/config.toml).
// The config file is optional; defaults are used when it is absent.
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Provider: ProviderConfig{
			RateLimitQPS: 5,
			Concurrency:  5,
			SendQPS:      1.0,
		},
		Watch: WatchConfig{
			PollIntervalSeconds:   3,
			BudgetMinutes:         10,
			BaselineMarginSeconds: 60,
			QuoteFolders:          []string{"Quotes"},
			RecencyWindowMinutes:  60,
		},
		Classify: ClassifyConfig{
			TopicToken:    "RFQ",
			MinReplyChars: 80,
		},
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.OAuth.ClientSecrets = expandPath(cfg.OAuth.ClientSecrets)

	if cfg.Watch.PollIntervalSeconds < 1 {
		return nil, fmt.Errorf("poll_interval_seconds must be at least 1, got %d", cfg.Watch.PollIntervalSeconds)
	}
	if cfg.Classify.TopicToken == "" {
		return nil, fmt.Errorf("topic_token must not be empty")
	}

	return cfg, nil
}

// EnsureHomeDir creates the home directory if it does not exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.HomeDir, 0755)
}

// StatePath returns the path to the durable batch state database.
func (c *Config) StatePath() string {
	return filepath.Join(c.Data.DataDir, "quotewatch.db")
}

// TokensDir returns the path to the OAuth tokens directory.
func (c *Config) TokensDir() string {
	return filepath.Join(c.Data.DataDir, "tokens")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
