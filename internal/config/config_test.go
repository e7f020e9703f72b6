package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/data\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/data\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("classifier:\n  anthropic_api_key: ${INGEST_TEST_KEY}\n"), 0600)
	os.Setenv("INGEST_TEST_KEY", "sk-ant-secret123")
	defer os.Unsetenv("INGEST_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Classifier.AnthropicAPIKey != "sk-ant-secret123" {
		t.Errorf("anthropic_api_key = %q, want %q", cfg.Classifier.AnthropicAPIKey, "sk-ant-secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("classifier:\n  anthropic_api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Classifier.AnthropicAPIKey != "sk-ant-test-key" {
		t.Errorf("anthropic_api_key = %q, want %q", cfg.Classifier.AnthropicAPIKey, "sk-ant-test-key")
	}
	if !cfg.Classifier.Configured() {
		t.Error("Classifier.Configured() = false, want true")
	}
}

func TestLoad_SourcesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`sources:
  - id: caregiver-jane-gmail
    caregiver_id: jane
    provider: imap
    is_primary: true
    imap:
      host: imap.gmail.com
      username: jane@example.com
      password: secret
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("Sources length = %d, want 1", len(cfg.Sources))
	}
	src := cfg.Sources[0]
	if src.IMAP.Folder != "INBOX" {
		t.Errorf("imap.folder default = %q, want INBOX", src.IMAP.Folder)
	}
	if !src.IMAP.Configured() {
		t.Error("IMAP.Configured() = false, want true")
	}
}

func TestValidate_DuplicateSourceID(t *testing.T) {
	cfg := Default()
	cfg.Sources = []SourceConfig{
		{ID: "a", CaregiverID: "jane", Provider: "imap"},
		{ID: "a", CaregiverID: "jane", Provider: "caldav"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for duplicate source id")
	}
	if !strings.Contains(err.Error(), "duplicate source id") {
		t.Errorf("error should mention duplicate source id, got: %v", err)
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := Default()
	cfg.Sources = []SourceConfig{
		{ID: "a", CaregiverID: "jane", Provider: "exchange"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for unknown provider")
	}
	if !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("error should mention unknown provider, got: %v", err)
	}
}

func TestValidate_WebhookPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Webhook.Port = 99999

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for webhook.port out of range")
	}
	if !strings.Contains(err.Error(), "webhook.port") {
		t.Errorf("error should mention webhook.port, got: %v", err)
	}
}

func TestApplyDefaults_Scheduler(t *testing.T) {
	cfg := Default()
	if cfg.Scheduler.DebounceMs != 100 {
		t.Errorf("debounce_ms default = %d, want 100", cfg.Scheduler.DebounceMs)
	}
	if cfg.Scheduler.RenewalIntervalMin != 60 {
		t.Errorf("renewal_interval_min default = %d, want 60", cfg.Scheduler.RenewalIntervalMin)
	}
	if cfg.Scheduler.PollIntervalMin != 5 {
		t.Errorf("poll_interval_min default = %d, want 5", cfg.Scheduler.PollIntervalMin)
	}
	if cfg.Scheduler.StaleSyncMin != 6 {
		t.Errorf("stale_sync_min default = %d, want 6", cfg.Scheduler.StaleSyncMin)
	}
}

func TestApplyDefaults_SuppressionThreshold(t *testing.T) {
	cfg := Default()
	if cfg.Suppression.Threshold != 3 {
		t.Errorf("suppression.threshold default = %d, want 3", cfg.Suppression.Threshold)
	}
}

func TestApplyDefaults_ClassifierTimeoutCapped(t *testing.T) {
	cfg := Default()
	cfg.Classifier.TimeoutSec = 60
	cfg.applyDefaults()
	if cfg.Classifier.TimeoutSec != 15 {
		t.Errorf("classifier.timeout_sec should be capped at 15, got %d", cfg.Classifier.TimeoutSec)
	}
}

func TestContextWindowForModel(t *testing.T) {
	cfg := Default()
	if got := cfg.ContextWindowForModel("qwen3:4b", 0); got != 4096 {
		t.Errorf("ContextWindowForModel(qwen3:4b) = %d, want 4096", got)
	}
	if got := cfg.ContextWindowForModel("unknown-model", 999); got != 999 {
		t.Errorf("ContextWindowForModel(unknown-model) = %d, want default 999", got)
	}
}
