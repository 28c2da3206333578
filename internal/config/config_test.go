package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(configDirEnvKey, "")
	t.Setenv(trustProjectConfigEnvKey, "")
	for _, o := range envOverrides {
		t.Setenv(o.key, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.APIURL != DefaultAPIURL {
		t.Fatalf("expected default API URL, got %q", cfg.APIURL)
	}
	if cfg.DBPath != "" || cfg.BlobRoot != "" {
		t.Fatalf("expected empty paths, got %q %q", cfg.DBPath, cfg.BlobRoot)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.Attachments.MaxUploadBytes != DefaultAttachmentMaxUploadBytes {
		t.Fatalf("expected attachment max upload default %d, got %d", DefaultAttachmentMaxUploadBytes, cfg.Attachments.MaxUploadBytes)
	}
	if cfg.Attachments.MismatchPolicy != "retag" {
		t.Fatalf("expected retag mismatch policy, got %q", cfg.Attachments.MismatchPolicy)
	}
	if !cfg.Attachments.BlockExecutableContent {
		t.Fatal("expected executable content blocking by default")
	}
	if cfg.Attachments.MaxRetries != DefaultAttachmentMaxRetries {
		t.Fatalf("expected max retries %d, got %d", DefaultAttachmentMaxRetries, cfg.Attachments.MaxRetries)
	}
	if cfg.Extraction.LeaseTimeout.Duration != DefaultExtractionLease {
		t.Fatalf("expected lease %s, got %s", DefaultExtractionLease, cfg.Extraction.LeaseTimeout.Duration)
	}
	if cfg.Queue.RedisURL != "" || cfg.Queue.RedisChannel != DefaultRedisChannel {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(`api_url = "http://localhost:9999"
log_level = "warn"

[attachments]
mismatch_policy = "reject"
blocked_extensions = [".exe", ".scr"]
upload_ticket_ttl = "90s"

[extraction]
workers = 6
job_timeout = "2m"

[backends]
ollama_url = "http://gpu:11434"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://localhost:9999" || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected top-level values: %q %q", cfg.APIURL, cfg.LogLevel)
	}
	if cfg.Attachments.MismatchPolicy != "reject" {
		t.Fatalf("expected reject policy, got %q", cfg.Attachments.MismatchPolicy)
	}
	if strings.Join(cfg.Attachments.BlockedExtensions, ",") != ".exe,.scr" {
		t.Fatalf("unexpected blocked extensions: %v", cfg.Attachments.BlockedExtensions)
	}
	if cfg.Attachments.UploadTicketTTL.Duration != 90*time.Second {
		t.Fatalf("expected 90s ticket ttl, got %s", cfg.Attachments.UploadTicketTTL.Duration)
	}
	if cfg.Extraction.Workers != 6 || cfg.Extraction.JobTimeout.Duration != 2*time.Minute {
		t.Fatalf("unexpected extraction values: %+v", cfg.Extraction)
	}
	if cfg.Extraction.LeaseTimeout.Duration != DefaultExtractionLease {
		t.Fatal("unset keys should keep defaults")
	}
	if cfg.Backends.OllamaURL != "http://gpu:11434" {
		t.Fatalf("unexpected ollama url %q", cfg.Backends.OllamaURL)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte("[extraction]\njob_timeout = \"soon\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := Default()
	if err := loadFile(path, &cfg); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	if err := loadFile("/nonexistent/path/.mnemo.toml", &cfg); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.APIURL != DefaultAPIURL {
		t.Fatalf("defaults should be preserved")
	}
}

func TestIsAllowedKey(t *testing.T) {
	for _, key := range []string{
		"api_url",
		"db_path",
		"blob_root",
		"log_level",
		"attachments.max_upload_bytes",
		"attachments.mismatch_policy",
		"attachments.blocked_extensions",
		"attachments.ticket_secret",
		"extraction.workers",
		"extraction.lease_timeout",
		"backends.ollama_url",
		"queue.redis_url",
	} {
		if !IsAllowedKey(key) {
			t.Fatalf("expected %q to be allowed", key)
		}
	}
	if IsAllowedKey("invalid") || IsAllowedKey("attachments") {
		t.Fatal("expected unknown keys to be rejected")
	}
	if got := AllowedKeys(); len(got) != len(keys) || got[0] != "api_url" {
		t.Fatalf("unexpected sorted keys: %v", got)
	}
}

func TestGetKey(t *testing.T) {
	cfg := Default()
	cfg.DBPath = "/tmp/test.db"
	cfg.Attachments.BlockedExtensions = []string{".exe", ".bat"}
	cfg.Extraction.PollInterval = Duration{3 * time.Second}

	cases := map[string]string{
		"api_url":                              DefaultAPIURL,
		"db_path":                              "/tmp/test.db",
		"log_level":                            "info",
		"attachments.blocked_extensions":       ".exe,.bat",
		"attachments.block_executable_content": "true",
		"attachments.max_upload_bytes":         "52428800",
		"extraction.poll_interval":             "3s",
		"queue.redis_channel":                  DefaultRedisChannel,
	}
	for key, want := range cases {
		got, err := cfg.Get(key)
		if err != nil || got != want {
			t.Fatalf("%s: expected %q, got %q (err: %v)", key, want, got, err)
		}
	}
	if _, err := cfg.Get("invalid"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetKeyCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigFileName)
	if err := SetKey(path, "api_url", "http://example:1"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://example:1" {
		t.Fatalf("expected api_url written, got %q", cfg.APIURL)
	}
}

func TestSetKeyNestedTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	steps := [][2]string{
		{"log_level", "WARNING"},
		{"attachments.max_upload_bytes", "1024"},
		{"attachments.mismatch_policy", "Reject"},
		{"attachments.blocked_extensions", ".exe, .scr,,"},
		{"attachments.block_executable_content", "false"},
		{"extraction.lease_timeout", "90s"},
		{"backends.whisper_url", "http://asr:8000"},
	}
	for _, s := range steps {
		if err := SetKey(path, s[0], s[1]); err != nil {
			t.Fatalf("set %s: %v", s[0], err)
		}
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected normalized log level, got %q", cfg.LogLevel)
	}
	if cfg.Attachments.MaxUploadBytes != 1024 {
		t.Fatalf("expected 1024, got %d", cfg.Attachments.MaxUploadBytes)
	}
	if cfg.Attachments.MismatchPolicy != "reject" {
		t.Fatalf("expected reject, got %q", cfg.Attachments.MismatchPolicy)
	}
	if strings.Join(cfg.Attachments.BlockedExtensions, ",") != ".exe,.scr" {
		t.Fatalf("unexpected list: %v", cfg.Attachments.BlockedExtensions)
	}
	if cfg.Attachments.BlockExecutableContent {
		t.Fatal("expected executable blocking disabled")
	}
	if cfg.Extraction.LeaseTimeout.Duration != 90*time.Second {
		t.Fatalf("expected 90s lease, got %s", cfg.Extraction.LeaseTimeout.Duration)
	}
	if cfg.Backends.WhisperURL != "http://asr:8000" {
		t.Fatalf("unexpected whisper url %q", cfg.Backends.WhisperURL)
	}
	if cfg.APIURL != DefaultAPIURL {
		t.Fatal("unset keys should keep defaults")
	}
}

func TestSetKeyRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	bad := [][2]string{
		{"invalid", "x"},
		{"log_level", "loud"},
		{"attachments.max_upload_bytes", "-1"},
		{"attachments.mismatch_policy", "ignore"},
		{"attachments.block_executable_content", "maybe"},
		{"extraction.job_timeout", "0s"},
	}
	for _, b := range bad {
		if err := SetKey(path, b[0], b[1]); err == nil {
			t.Fatalf("expected error for %s=%s", b[0], b[1])
		}
	}
}

func TestConfigDirOverridePaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirEnvKey, dir)

	globalPath, err := GlobalPath()
	if err != nil {
		t.Fatalf("global path: %v", err)
	}
	if globalPath != filepath.Join(dir, ConfigFileName) {
		t.Fatalf("unexpected global path: %s", globalPath)
	}
	projectPath, err := ProjectPath()
	if err != nil {
		t.Fatalf("project path: %v", err)
	}
	if projectPath != filepath.Join(dir, ConfigFileName) {
		t.Fatalf("unexpected project path: %s", projectPath)
	}
}

func TestLoadConfigDirOverride(t *testing.T) {
	clearEnv(t)
	configDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(configDir, ConfigFileName), []byte("api_url = \"http://127.0.0.1:9001\"\n"), 0o644); err != nil {
		t.Fatalf("write override config: %v", err)
	}
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, ConfigFileName), []byte("api_url = \"http://ignored\"\n"), 0o644); err != nil {
		t.Fatalf("write workspace config: %v", err)
	}
	chdir(t, workspace)
	t.Setenv(configDirEnvKey, configDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://127.0.0.1:9001" {
		t.Fatalf("expected config-dir api_url, got %q", cfg.APIURL)
	}
	if cfg.DBPath != filepath.Join(workspace, DefaultDBFileName) {
		t.Fatalf("expected default workspace db path, got %q", cfg.DBPath)
	}
	if cfg.BlobRoot != filepath.Join(workspace, DefaultBlobDirName) {
		t.Fatalf("expected default workspace blob root, got %q", cfg.BlobRoot)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MNEMO_API_URL", "http://example.com:8080")
	t.Setenv("MNEMO_DB", "/tmp/override.db")
	t.Setenv("MNEMO_BLOB_ROOT", "/tmp/blobs")
	t.Setenv("MNEMO_ATTACH_MISMATCH_POLICY", "REJECT")
	t.Setenv("MNEMO_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://example.com:8080" || cfg.DBPath != "/tmp/override.db" || cfg.BlobRoot != "/tmp/blobs" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Attachments.MismatchPolicy != "reject" {
		t.Fatalf("expected normalized policy, got %q", cfg.Attachments.MismatchPolicy)
	}
	if cfg.Queue.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %q", cfg.Queue.RedisURL)
	}
}

func TestLoadNormalizesInvalidValues(t *testing.T) {
	clearEnv(t)
	homeDir := t.TempDir()
	chdir(t, t.TempDir())
	t.Setenv("HOME", homeDir)
	if err := os.WriteFile(filepath.Join(homeDir, ConfigFileName), []byte(`log_level = ""
[extraction]
workers = 0
[attachments]
gc_batch_size = -4
`), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level, got %q", cfg.LogLevel)
	}
	if cfg.Extraction.Workers != DefaultExtractionWorkers {
		t.Fatalf("expected default workers, got %d", cfg.Extraction.Workers)
	}
	if cfg.Attachments.GCBatchSize != DefaultAttachmentGCBatchSize {
		t.Fatalf("expected default gc batch, got %d", cfg.Attachments.GCBatchSize)
	}
}

func TestLoadProjectConfigTrust(t *testing.T) {
	cases := []struct {
		name    string
		trust   string
		wantURL string
		trusted bool
	}{
		{"default", "", "http://global", false},
		{"trusted", "true", "http://project", true},
		{"invalid", "definitely-not-bool", "http://global", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			homeDir := t.TempDir()
			workspace := t.TempDir()
			if err := os.WriteFile(filepath.Join(homeDir, ConfigFileName), []byte("api_url = \"http://global\"\n"), 0o644); err != nil {
				t.Fatalf("write home config: %v", err)
			}
			if err := os.WriteFile(filepath.Join(workspace, ConfigFileName), []byte("api_url = \"http://project\"\n"), 0o644); err != nil {
				t.Fatalf("write project config: %v", err)
			}
			chdir(t, workspace)
			t.Setenv("HOME", homeDir)
			t.Setenv(trustProjectConfigEnvKey, tc.trust)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.APIURL != tc.wantURL {
				t.Fatalf("expected %q, got %q", tc.wantURL, cfg.APIURL)
			}
			if tc.trusted != (cfg.TrustedProjectConfigPath == filepath.Join(workspace, ConfigFileName)) {
				t.Fatalf("unexpected trusted path %q", cfg.TrustedProjectConfigPath)
			}
		})
	}
}

func TestNormalizeLogLevel(t *testing.T) {
	for in, want := range map[string]string{"DEBUG": "debug", " info ": "info", "warning": "warn", "error": "error"} {
		got, ok := NormalizeLogLevel(in)
		if !ok || got != want {
			t.Fatalf("%q: expected %q, got %q (%v)", in, want, got, ok)
		}
	}
	if _, ok := NormalizeLogLevel("trace"); ok {
		t.Fatal("expected trace to be rejected")
	}
}
