package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAPIURL       = "http://127.0.0.1:7433"
	DefaultDBFileName   = ".mnemo.db"
	DefaultBlobDirName  = ".mnemo-blobs"
	DefaultLogLevel     = "info"
	ConfigFileName      = ".mnemo.toml"
	DefaultRedisChannel = "mnemo:jobs"

	DefaultAttachmentMaxUploadBytes  int64 = 50 * 1024 * 1024
	DefaultAttachmentMultipartMemory int64 = 8 * 1024 * 1024
	DefaultAttachmentMismatchPolicy        = "retag"
	DefaultAttachmentGCBatchSize           = 500
	DefaultAttachmentMaxRetries            = 3
	DefaultUploadTicketTTL                 = 15 * time.Minute
	DefaultDownloadTicketTTL               = 5 * time.Minute

	DefaultExtractionWorkers      = 2
	DefaultExtractionPollInterval = 2 * time.Second
	DefaultExtractionLease        = 5 * time.Minute
	DefaultExtractionJobTimeout   = 10 * time.Minute
	DefaultExtractionMaxAttempts  = 3
	DefaultTextMaxBytes           = 10 * 1024 * 1024

	configDirEnvKey          = "MNEMO_CONFIG_DIR"
	trustProjectConfigEnvKey = "MNEMO_TRUST_PROJECT_CONFIG"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// AttachmentConfig defines ingestion settings.
type AttachmentConfig struct {
	MaxUploadBytes         int64    `toml:"max_upload_bytes"`
	MultipartMaxMemory     int64    `toml:"multipart_max_memory"`
	MismatchPolicy         string   `toml:"mismatch_policy"`
	BlockedExtensions      []string `toml:"blocked_extensions"`
	BlockExecutableContent bool     `toml:"block_executable_content"`
	UploadTicketTTL        Duration `toml:"upload_ticket_ttl"`
	DownloadTicketTTL      Duration `toml:"download_ticket_ttl"`
	TicketSecret           string   `toml:"ticket_secret"`
	GCBatchSize            int      `toml:"gc_batch_size"`
	MaxRetries             int      `toml:"max_retries"`
}

// ExtractionConfig defines worker settings.
type ExtractionConfig struct {
	Workers           int      `toml:"workers"`
	PollInterval      Duration `toml:"poll_interval"`
	LeaseTimeout      Duration `toml:"lease_timeout"`
	JobTimeout        Duration `toml:"job_timeout"`
	MaxAttempts       int      `toml:"max_attempts"`
	TextMaxBytes      int      `toml:"text_max_bytes"`
	DocumentTypesFile string   `toml:"document_types_file"`
}

// BackendConfig defines optional model backends and external tools.
type BackendConfig struct {
	OllamaURL         string `toml:"ollama_url"`
	VisionModel       string `toml:"vision_model"`
	WhisperURL        string `toml:"whisper_url"`
	WhisperModel      string `toml:"whisper_model"`
	FFmpegPath        string `toml:"ffmpeg_path"`
	PdftotextPath     string `toml:"pdftotext_path"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
}

// QueueConfig defines the optional cross-process wake channel.
type QueueConfig struct {
	RedisURL     string `toml:"redis_url"`
	RedisChannel string `toml:"redis_channel"`
}

// Config defines runtime configuration for mnemo.
type Config struct {
	APIURL                   string           `toml:"api_url"`
	DBPath                   string           `toml:"db_path"`
	BlobRoot                 string           `toml:"blob_root"`
	LogLevel                 string           `toml:"log_level"`
	Attachments              AttachmentConfig `toml:"attachments"`
	Extraction               ExtractionConfig `toml:"extraction"`
	Backends                 BackendConfig    `toml:"backends"`
	Queue                    QueueConfig      `toml:"queue"`
	TrustedProjectConfigPath string           `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:   DefaultAPIURL,
		LogLevel: DefaultLogLevel,
		Attachments: AttachmentConfig{
			MaxUploadBytes:         DefaultAttachmentMaxUploadBytes,
			MultipartMaxMemory:     DefaultAttachmentMultipartMemory,
			MismatchPolicy:         DefaultAttachmentMismatchPolicy,
			BlockExecutableContent: true,
			UploadTicketTTL:        Duration{DefaultUploadTicketTTL},
			DownloadTicketTTL:      Duration{DefaultDownloadTicketTTL},
			GCBatchSize:            DefaultAttachmentGCBatchSize,
			MaxRetries:             DefaultAttachmentMaxRetries,
		},
		Extraction: ExtractionConfig{
			Workers:      DefaultExtractionWorkers,
			PollInterval: Duration{DefaultExtractionPollInterval},
			LeaseTimeout: Duration{DefaultExtractionLease},
			JobTimeout:   Duration{DefaultExtractionJobTimeout},
			MaxAttempts:  DefaultExtractionMaxAttempts,
			TextMaxBytes: DefaultTextMaxBytes,
		},
		Queue: QueueConfig{RedisChannel: DefaultRedisChannel},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, ConfigFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

type keyKind int

const (
	kindString keyKind = iota
	kindPositiveInt
	kindBool
	kindDuration
	kindList
	kindLogLevel
	kindPolicy
)

type keySpec struct {
	kind keyKind
	get  func(c *Config) string
}

func durationString(d Duration) string { return d.Duration.String() }

var keys = map[string]keySpec{
	"api_url":   {kindString, func(c *Config) string { return c.APIURL }},
	"db_path":   {kindString, func(c *Config) string { return c.DBPath }},
	"blob_root": {kindString, func(c *Config) string { return c.BlobRoot }},
	"log_level": {kindLogLevel, func(c *Config) string { return c.LogLevel }},

	"attachments.max_upload_bytes": {kindPositiveInt, func(c *Config) string {
		return strconv.FormatInt(c.Attachments.MaxUploadBytes, 10)
	}},
	"attachments.multipart_max_memory": {kindPositiveInt, func(c *Config) string {
		return strconv.FormatInt(c.Attachments.MultipartMaxMemory, 10)
	}},
	"attachments.mismatch_policy": {kindPolicy, func(c *Config) string { return c.Attachments.MismatchPolicy }},
	"attachments.blocked_extensions": {kindList, func(c *Config) string {
		return strings.Join(c.Attachments.BlockedExtensions, ",")
	}},
	"attachments.block_executable_content": {kindBool, func(c *Config) string {
		return strconv.FormatBool(c.Attachments.BlockExecutableContent)
	}},
	"attachments.upload_ticket_ttl": {kindDuration, func(c *Config) string {
		return durationString(c.Attachments.UploadTicketTTL)
	}},
	"attachments.download_ticket_ttl": {kindDuration, func(c *Config) string {
		return durationString(c.Attachments.DownloadTicketTTL)
	}},
	"attachments.ticket_secret": {kindString, func(c *Config) string { return c.Attachments.TicketSecret }},
	"attachments.gc_batch_size": {kindPositiveInt, func(c *Config) string {
		return strconv.Itoa(c.Attachments.GCBatchSize)
	}},
	"attachments.max_retries": {kindPositiveInt, func(c *Config) string {
		return strconv.Itoa(c.Attachments.MaxRetries)
	}},

	"extraction.workers": {kindPositiveInt, func(c *Config) string { return strconv.Itoa(c.Extraction.Workers) }},
	"extraction.poll_interval": {kindDuration, func(c *Config) string {
		return durationString(c.Extraction.PollInterval)
	}},
	"extraction.lease_timeout": {kindDuration, func(c *Config) string {
		return durationString(c.Extraction.LeaseTimeout)
	}},
	"extraction.job_timeout": {kindDuration, func(c *Config) string {
		return durationString(c.Extraction.JobTimeout)
	}},
	"extraction.max_attempts": {kindPositiveInt, func(c *Config) string {
		return strconv.Itoa(c.Extraction.MaxAttempts)
	}},
	"extraction.text_max_bytes": {kindPositiveInt, func(c *Config) string {
		return strconv.Itoa(c.Extraction.TextMaxBytes)
	}},
	"extraction.document_types_file": {kindString, func(c *Config) string { return c.Extraction.DocumentTypesFile }},

	"backends.ollama_url":     {kindString, func(c *Config) string { return c.Backends.OllamaURL }},
	"backends.vision_model":   {kindString, func(c *Config) string { return c.Backends.VisionModel }},
	"backends.whisper_url":    {kindString, func(c *Config) string { return c.Backends.WhisperURL }},
	"backends.whisper_model":  {kindString, func(c *Config) string { return c.Backends.WhisperModel }},
	"backends.ffmpeg_path":    {kindString, func(c *Config) string { return c.Backends.FFmpegPath }},
	"backends.pdftotext_path": {kindString, func(c *Config) string { return c.Backends.PdftotextPath }},
	"backends.requests_per_minute": {kindPositiveInt, func(c *Config) string {
		return strconv.Itoa(c.Backends.RequestsPerMinute)
	}},

	"queue.redis_url":     {kindString, func(c *Config) string { return c.Queue.RedisURL }},
	"queue.redis_channel": {kindString, func(c *Config) string { return c.Queue.RedisChannel }},
}

// AllowedKeys returns the valid config keys in sorted order.
func AllowedKeys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	_, ok := keys[key]
	return ok
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	k, ok := keys[key]
	if !ok {
		return "", fmt.Errorf("unknown key: %s", key)
	}
	return k.get(c), nil
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, ConfigFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, ConfigFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, ConfigFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	applyEnv(&cfg)

	if cfg.DBPath == "" || cfg.BlobRoot == "" {
		if cwd, err := os.Getwd(); err == nil {
			if cfg.DBPath == "" {
				cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
			}
			if cfg.BlobRoot == "" {
				cfg.BlobRoot = filepath.Join(cwd, DefaultBlobDirName)
			}
		}
	}

	cfg.normalize()
	return &cfg, nil
}

var envOverrides = []struct {
	key string
	set func(c *Config, v string)
}{
	{"MNEMO_API_URL", func(c *Config, v string) { c.APIURL = v }},
	{"MNEMO_DB", func(c *Config, v string) { c.DBPath = v }},
	{"MNEMO_BLOB_ROOT", func(c *Config, v string) { c.BlobRoot = v }},
	{"MNEMO_LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
	{"MNEMO_TICKET_SECRET", func(c *Config, v string) { c.Attachments.TicketSecret = v }},
	{"MNEMO_ATTACH_MISMATCH_POLICY", func(c *Config, v string) { c.Attachments.MismatchPolicy = v }},
	{"MNEMO_OLLAMA_URL", func(c *Config, v string) { c.Backends.OllamaURL = v }},
	{"MNEMO_VISION_MODEL", func(c *Config, v string) { c.Backends.VisionModel = v }},
	{"MNEMO_WHISPER_URL", func(c *Config, v string) { c.Backends.WhisperURL = v }},
	{"MNEMO_REDIS_URL", func(c *Config, v string) { c.Queue.RedisURL = v }},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(o.key)); v != "" {
			o.set(cfg, v)
		}
	}
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch keys[key].kind {
	case kindPositiveInt:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case kindBool:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case kindDuration:
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration such as 30s or 5m", key)
		}
		return parsed.String(), nil
	case kindList:
		return splitCSV(value), nil
	case kindLogLevel:
		normalized, ok := NormalizeLogLevel(value)
		if !ok {
			return nil, fmt.Errorf("%s must be one of debug, info, warn, error", key)
		}
		return normalized, nil
	case kindPolicy:
		v := strings.ToLower(value)
		if v != "retag" && v != "reject" {
			return nil, fmt.Errorf("%s must be retag or reject", key)
		}
		return v, nil
	default:
		return value, nil
	}
}

// NormalizeLogLevel lowercases a level name and reports whether it is known.
func NormalizeLogLevel(raw string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "debug", "info", "warn", "error":
		return v, true
	case "warning":
		return "warn", true
	default:
		return "", false
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func (c *Config) normalize() {
	d := Default()
	if level, ok := NormalizeLogLevel(c.LogLevel); ok {
		c.LogLevel = level
	} else {
		c.LogLevel = DefaultLogLevel
	}
	if c.Attachments.MaxUploadBytes <= 0 {
		c.Attachments.MaxUploadBytes = d.Attachments.MaxUploadBytes
	}
	if c.Attachments.MultipartMaxMemory <= 0 {
		c.Attachments.MultipartMaxMemory = d.Attachments.MultipartMaxMemory
	}
	c.Attachments.MismatchPolicy = strings.ToLower(strings.TrimSpace(c.Attachments.MismatchPolicy))
	if c.Attachments.MismatchPolicy == "" {
		c.Attachments.MismatchPolicy = d.Attachments.MismatchPolicy
	}
	if c.Attachments.UploadTicketTTL.Duration <= 0 {
		c.Attachments.UploadTicketTTL = d.Attachments.UploadTicketTTL
	}
	if c.Attachments.DownloadTicketTTL.Duration <= 0 {
		c.Attachments.DownloadTicketTTL = d.Attachments.DownloadTicketTTL
	}
	if c.Attachments.GCBatchSize <= 0 {
		c.Attachments.GCBatchSize = d.Attachments.GCBatchSize
	}
	if c.Attachments.MaxRetries < 0 {
		c.Attachments.MaxRetries = 0
	}
	if c.Extraction.Workers <= 0 {
		c.Extraction.Workers = d.Extraction.Workers
	}
	if c.Extraction.PollInterval.Duration <= 0 {
		c.Extraction.PollInterval = d.Extraction.PollInterval
	}
	if c.Extraction.LeaseTimeout.Duration <= 0 {
		c.Extraction.LeaseTimeout = d.Extraction.LeaseTimeout
	}
	if c.Extraction.JobTimeout.Duration <= 0 {
		c.Extraction.JobTimeout = d.Extraction.JobTimeout
	}
	if c.Extraction.MaxAttempts <= 0 {
		c.Extraction.MaxAttempts = d.Extraction.MaxAttempts
	}
	if c.Extraction.TextMaxBytes <= 0 {
		c.Extraction.TextMaxBytes = d.Extraction.TextMaxBytes
	}
	if c.Queue.RedisChannel == "" {
		c.Queue.RedisChannel = DefaultRedisChannel
	}
}
