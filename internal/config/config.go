// Package config handles configuration loading for the ingestion daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caresync/ingest/internal/mail"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/caresync-ingest/config.yaml, /config/config.yaml,
// /etc/caresync-ingest/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "caresync-ingest", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/caresync-ingest/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can override the search order
// without touching real paths on the developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all ingestion daemon configuration.
type Config struct {
	Sources     []SourceConfig    `yaml:"sources"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	// VendorDirectoryFile optionally points at a vCard file of known
	// vendors/providers used to sharpen C2's vendor extraction. Empty
	// means no directory is loaded.
	VendorDirectoryFile string `yaml:"vendor_directory_file"`
}

// SourceConfig describes one caregiver mailbox/calendar pair to ingest.
type SourceConfig struct {
	ID          string          `yaml:"id"`           // Stable source identifier, e.g. "caregiver-jane-gmail"
	CaregiverID string          `yaml:"caregiver_id"` // Owning caregiver (foreign key into the care record store)
	Provider    string          `yaml:"provider"`     // "imap" or "caldav" family the source belongs to
	IsPrimary   bool            `yaml:"is_primary"`   // Copied onto the stored Source row; sync runs do not check it
	IMAP        mail.IMAPConfig `yaml:"imap"`
	CalDAV      CalDAVConfig    `yaml:"caldav"`
}

// CalDAVConfig defines CalDAV connection settings for one calendar source.
type CalDAVConfig struct {
	Host         string `yaml:"host"`
	PrincipalURL string `yaml:"principal_url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Token        string `yaml:"token"` // OAuth bearer token, used instead of password when set
}

// Configured reports whether this CalDAV source has the minimum fields
// needed to dial.
func (c CalDAVConfig) Configured() bool {
	return c.Host != "" && c.PrincipalURL != ""
}

// ClassifierConfig defines the LLM classification backend.
type ClassifierConfig struct {
	Default          string        `yaml:"default"` // Default model name
	AnthropicAPIKey  string        `yaml:"anthropic_api_key"`
	OllamaURL        string        `yaml:"ollama_url"`
	LocalFirst       bool          `yaml:"local_first"`
	Available        []ModelConfig `yaml:"available"`
	MaxBodyChars     int           `yaml:"max_body_chars"`     // Not read by internal/classifier, which truncates the body at its own fixed 3500-char cap
	MaxResponseChars int           `yaml:"max_response_chars"` // Not read by internal/classifier; the rationale field is not truncated
	TimeoutSec       int           `yaml:"timeout_sec"`        // Per-call timeout, capped at 15s
}

// ModelConfig defines a single classifier model's capabilities, mirroring
// router.Model's fields so config can be converted directly into a
// router.Config.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	Speed         int    `yaml:"speed"`          // 1-10
	Quality       int    `yaml:"quality"`        // 1-10
	CostTier      int    `yaml:"cost_tier"`      // 0=local, 1=cheap, 2=moderate, 3=expensive
	MinComplexity string `yaml:"min_complexity"` // simple, moderate, complex
}

// Configured reports whether an Anthropic API key is present.
func (c ClassifierConfig) Configured() bool {
	return c.AnthropicAPIKey != ""
}

// SuppressionConfig defines when a recurring discarded sender is learned
// as a standing suppression rule rather than reclassified every time.
type SuppressionConfig struct {
	Threshold int `yaml:"threshold"` // Discards before suppressing, default 3; the store uses store.SuppressThreshold (3) and does not read this value
}

// SchedulerConfig defines per-source polling, debounce, and lock timing.
type SchedulerConfig struct {
	DebounceMs          int `yaml:"debounce_ms"`           // Default 100ms
	RenewalIntervalMin  int `yaml:"renewal_interval_min"`  // Push-channel renewal ticker, default 60m
	PollIntervalMin     int `yaml:"poll_interval_min"`     // Fallback poll ticker, default 5m
	StaleSyncMin        int `yaml:"stale_sync_min"`        // A source idle longer than this is flagged stale, default 6m
	RPCTimeoutSec       int `yaml:"rpc_timeout_sec"`       // Per-provider-call timeout, default 30s, capped at 30s
}

// WebhookConfig defines the push-notification receiver.
type WebhookConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	JWTAudience  string `yaml:"jwt_audience"`
	JWKSURL      string `yaml:"jwks_url"`
	HMACSecret   string `yaml:"hmac_secret"` // Per-deployment shared secret for source channel tokens
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${ANTHROPIC_API_KEY}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Classifier.OllamaURL == "" {
		c.Classifier.OllamaURL = "http://localhost:11434"
	}
	if c.Classifier.MaxBodyChars == 0 {
		c.Classifier.MaxBodyChars = 6000
	}
	if c.Classifier.MaxResponseChars == 0 {
		c.Classifier.MaxResponseChars = 2000
	}
	if c.Classifier.TimeoutSec == 0 || c.Classifier.TimeoutSec > 15 {
		c.Classifier.TimeoutSec = 15
	}
	if c.Suppression.Threshold == 0 {
		c.Suppression.Threshold = 3
	}
	if c.Scheduler.DebounceMs == 0 {
		c.Scheduler.DebounceMs = 100
	}
	if c.Scheduler.RenewalIntervalMin == 0 {
		c.Scheduler.RenewalIntervalMin = 60
	}
	if c.Scheduler.PollIntervalMin == 0 {
		c.Scheduler.PollIntervalMin = 5
	}
	if c.Scheduler.StaleSyncMin == 0 {
		c.Scheduler.StaleSyncMin = 6
	}
	if c.Scheduler.RPCTimeoutSec == 0 || c.Scheduler.RPCTimeoutSec > 30 {
		c.Scheduler.RPCTimeoutSec = 30
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8443
	}

	for i := range c.Sources {
		if c.Sources[i].IMAP.Folder == "" {
			c.Sources[i].IMAP.Folder = "INBOX"
		}
	}

	for i := range c.Classifier.Available {
		if c.Classifier.Available[i].Provider == "" {
			c.Classifier.Available[i].Provider = "ollama"
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Webhook.Port < 1 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port %d out of range (1-65535)", c.Webhook.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source with caregiver_id %q is missing an id", s.CaregiverID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.Provider {
		case "imap", "caldav":
		default:
			return fmt.Errorf("source %q: unknown provider %q", s.ID, s.Provider)
		}
	}
	return nil
}

// ContextWindowForModel returns the context window size for the named
// model, or defaultSize if the model is not found in the configuration.
func (c *Config) ContextWindowForModel(name string, defaultSize int) int {
	for _, m := range c.Classifier.Available {
		if m.Name == name {
			return m.ContextWindow
		}
	}
	return defaultSize
}

// Default returns a default configuration suitable for local development
// with Ollama. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Classifier: ClassifierConfig{
			Default:    "qwen3:4b",
			LocalFirst: true,
			Available: []ModelConfig{
				{
					Name:          "qwen3:4b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 4096,
					Speed:         9,
					Quality:       5,
					CostTier:      0,
					MinComplexity: "simple",
				},
				{
					Name:          "claude-haiku-4-5",
					Provider:      "anthropic",
					SupportsTools: true,
					ContextWindow: 200000,
					Speed:         7,
					Quality:       8,
					CostTier:      1,
					MinComplexity: "moderate",
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
