package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deploycal/internal/engine"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. The loaded value is converted into immutable per-component
// configs (EngineConfig, etc.) before anything starts.

// Fetch modes for the calendar page.
const (
	FetchModeAPI     = "api"     // MediaWiki action=parse
	FetchModeBrowser = "browser" // headless Chromium
	FetchModeFile    = "file"    // local HTML file, for development
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultAPIURL         = "https://wikitech.wikimedia.org/w/api.php"
	defaultPage           = "Deployments"
	defaultTimeoutSeconds = 30
	defaultRequestsPerMin = 12
	defaultUpdateMinutes  = 15
	defaultSkewSeconds    = 5
)

// WikiConfig describes where the deployment calendar lives.
type WikiConfig struct {
	// APIURL is the MediaWiki api.php endpoint.
	APIURL string `yaml:"api_url" json:"api_url"`
	// Page is the title of the calendar page.
	Page string `yaml:"page" json:"page"`
	// PageURL, if set, is used for deep links instead of asking the wiki.
	PageURL string `yaml:"page_url,omitempty" json:"page_url,omitempty"`
	// FetchMode selects how the page is read: "api", "browser" or "file".
	FetchMode string `yaml:"fetch_mode" json:"fetch_mode"`
	// FilePath is the HTML file read in "file" mode.
	FilePath string `yaml:"file_path,omitempty" json:"file_path,omitempty"`
	// TimeoutSeconds bounds every fetch.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// RequestsPerMinute caps calls to the wiki API; 0 disables the cap.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Wiki WikiConfig `yaml:"wiki" json:"wiki"`

	// UpdateIntervalMinutes is the period between scheduled page reads.
	UpdateIntervalMinutes int `yaml:"update_interval_minutes" json:"update_interval_minutes"`

	// NotificationSkewSeconds is added to each notification delay so the
	// timer never fires just before a window opens.
	NotificationSkewSeconds int `yaml:"notification_skew_seconds" json:"notification_skew_seconds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		LogLevel: "info",
		Wiki: WikiConfig{
			APIURL:            defaultAPIURL,
			Page:              defaultPage,
			FetchMode:         FetchModeAPI,
			TimeoutSeconds:    defaultTimeoutSeconds,
			RequestsPerMinute: defaultRequestsPerMin,
		},
		UpdateIntervalMinutes:   defaultUpdateMinutes,
		NotificationSkewSeconds: defaultSkewSeconds,
		BasicAuth:               nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Wiki.APIURL == "" {
		c.Wiki.APIURL = defaultAPIURL
	}
	if c.Wiki.Page == "" {
		c.Wiki.Page = defaultPage
	}
	// FetchMode default & validation.
	switch strings.ToLower(c.Wiki.FetchMode) {
	case FetchModeAPI, FetchModeBrowser, FetchModeFile:
		c.Wiki.FetchMode = strings.ToLower(c.Wiki.FetchMode)
	default:
		// Unknown value; fall back to the API to avoid surprises.
		c.Wiki.FetchMode = FetchModeAPI
	}
	if c.Wiki.TimeoutSeconds <= 0 {
		c.Wiki.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.Wiki.RequestsPerMinute < 0 {
		c.Wiki.RequestsPerMinute = 0
	}
	if c.UpdateIntervalMinutes <= 0 {
		c.UpdateIntervalMinutes = defaultUpdateMinutes
	}
	if c.NotificationSkewSeconds < 0 {
		c.NotificationSkewSeconds = defaultSkewSeconds
	}
}

// Validate reports settings that cannot work at all.
func (c *Config) Validate() error {
	if c.Wiki.FetchMode == FetchModeFile && c.Wiki.FilePath == "" {
		return errors.New("config: wiki.file_path is required in file mode")
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "") != (c.BasicAuth.Password == "") {
		return errors.New("config: basic_auth needs both username and password")
	}
	return nil
}

// FetchTimeout is the per-fetch bound as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Wiki.TimeoutSeconds) * time.Second
}

// EngineConfig derives the immutable engine configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		UpdateInterval: time.Duration(c.UpdateIntervalMinutes) * time.Minute,
		Skew:           time.Duration(c.NotificationSkewSeconds) * time.Second,
		FetchTimeout:   c.FetchTimeout(),
		PageURL:        c.Wiki.PageURL,
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, cfg.Validate()
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".deploycal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
