// Package config handles reading watcher.yaml and the credential environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"linkedin-watcher/pkg/ledger"
	"linkedin-watcher/session"
)

// Config is the top-level structure for watcher.yaml.
type Config struct {
	DBPath    string          `yaml:"db_path"`
	Searches  []ledger.Query  `yaml:"searches"`
	Scrape    ScrapeConfig    `yaml:"scrape"`
	Session   SessionConfig   `yaml:"session"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Notify    NotifyConfig    `yaml:"notify"`
	Serve     ServeConfig     `yaml:"serve"`
}

// ScrapeConfig bounds pagination per search.
type ScrapeConfig struct {
	MaxPages int `yaml:"max_pages"`
	PageSize int `yaml:"page_size"`
}

// SessionConfig controls the authentication lifecycle.
type SessionConfig struct {
	ArtifactPath        string `yaml:"artifact_path"`
	Bucket              string `yaml:"bucket"` // GCS artifact store; empty means local file
	Object              string `yaml:"object"`
	ChallengeTimeoutSec int    `yaml:"challenge_timeout_sec"`
	ChallengePollSec    int    `yaml:"challenge_poll_sec"`
	RequireAuth         bool   `yaml:"require_auth"`
}

// ReconcileConfig tunes the degraded-run safety guard.
type ReconcileConfig struct {
	DegradedThreshold float64 `yaml:"degraded_threshold"`
}

// NotifyConfig controls the new-listing digest email.
type NotifyConfig struct {
	Provider string `yaml:"provider"` // "gmail", "brevo", "mock" or "" to disable
	To       string `yaml:"to"`
	From     string `yaml:"from"`
}

// ServeConfig controls serve mode.
type ServeConfig struct {
	Port          int `yaml:"port"`
	IntervalHours int `yaml:"interval_hours"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "data/jobs.db"
	}
	if c.Scrape.MaxPages <= 0 {
		c.Scrape.MaxPages = 3
	}
	if c.Scrape.PageSize <= 0 {
		c.Scrape.PageSize = 25
	}
	if c.Session.ArtifactPath == "" {
		c.Session.ArtifactPath = "data/session.json"
	}
	if c.Session.ChallengeTimeoutSec <= 0 {
		c.Session.ChallengeTimeoutSec = 120
	}
	if c.Session.ChallengePollSec <= 0 {
		c.Session.ChallengePollSec = 5
	}
	if c.Reconcile.DegradedThreshold <= 0 {
		c.Reconcile.DegradedThreshold = 0.5
	}
	if c.Serve.Port <= 0 {
		c.Serve.Port = 8080
	}
	if c.Serve.IntervalHours <= 0 {
		c.Serve.IntervalHours = 6
	}
}

func (c *Config) validate() error {
	if len(c.Searches) == 0 {
		return errors.New("config: at least one search is required")
	}
	for i, q := range c.Searches {
		if q.URL == "" && q.Keywords == "" {
			return fmt.Errorf("config: search %d needs keywords or a url", i+1)
		}
	}
	if c.Reconcile.DegradedThreshold > 1 {
		return fmt.Errorf("config: degraded_threshold %v out of range (0, 1]", c.Reconcile.DegradedThreshold)
	}
	if c.Session.Bucket != "" && c.Session.Object == "" {
		return errors.New("config: session.object is required with session.bucket")
	}
	switch c.Notify.Provider {
	case "", "mock":
	case "gmail", "brevo":
		if c.Notify.To == "" {
			return fmt.Errorf("config: notify.to is required with provider %q", c.Notify.Provider)
		}
	default:
		return fmt.Errorf("config: unknown notify provider %q", c.Notify.Provider)
	}
	return nil
}

// ChallengeTimeout returns the configured challenge wait as a duration.
func (c *Config) ChallengeTimeout() time.Duration {
	return time.Duration(c.Session.ChallengeTimeoutSec) * time.Second
}

// ChallengePoll returns the configured challenge re-check interval.
func (c *Config) ChallengePoll() time.Duration {
	return time.Duration(c.Session.ChallengePollSec) * time.Second
}

// LoadCredentials reads login credentials from the environment. Credentials
// never live in the YAML file. Auto-login stays off unless explicitly enabled.
func LoadCredentials() (creds session.Credentials, autoLogin bool) {
	creds.Email = os.Getenv("LINKEDIN_EMAIL")
	creds.Password = os.Getenv("LINKEDIN_PASSWORD")
	autoLogin = os.Getenv("LINKEDIN_AUTO_LOGIN") == "true" && creds.Email != "" && creds.Password != ""
	return creds, autoLogin
}
