// Package config defines the project settings document (spec §6) and loads
// it from either JSON or YAML, mirroring the dual json/yaml struct-tag
// convention used by the reference engine's own run-config type
// (internal/attractor/engine/config.go).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type RetryPolicy struct {
	MaxAttempts             int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelaySeconds        float64 `json:"base_delay_s" yaml:"base_delay_s"`
	MaxDelaySeconds         float64 `json:"max_delay_s" yaml:"max_delay_s"`
	JitterSeconds           float64 `json:"jitter_s" yaml:"jitter_s"`
	CircuitBreakerFailures  int     `json:"circuit_breaker_failures" yaml:"circuit_breaker_failures"`
	CircuitBreakerCooldownS float64 `json:"circuit_breaker_cooldown_s" yaml:"circuit_breaker_cooldown_s"`
}

type LoggingPolicy struct {
	MaxTotalMB   int  `json:"max_total_mb" yaml:"max_total_mb"`
	MaxRuns      int  `json:"max_runs" yaml:"max_runs"`
	EncryptLogs  bool `json:"encrypt_logs" yaml:"encrypt_logs"`
	MaskSecrets  bool `json:"mask_secrets" yaml:"mask_secrets"`
}

type PricingPolicy struct {
	SourceURL           string `json:"source_url" yaml:"source_url"`
	CacheTTLHours       int    `json:"cache_ttl_hours" yaml:"cache_ttl_hours"`
	AutoRefreshOnStart  bool   `json:"auto_refresh_on_start" yaml:"auto_refresh_on_start"`
}

// DefaultDenyExtensions matches spec §6's security deny list exactly.
var DefaultDenyExtensions = []string{".exe", ".dll", ".zip", ".7z", ".rar", ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".db", ".sqlite", ".pkl", ".pt", ".onnx"}

// DefaultDenyGlobs matches spec §6's security deny list exactly.
var DefaultDenyGlobs = []string{"**/.git/**", "**/node_modules/**", "**/venv/**", "**/.venv/**", "**/LOG/**"}

type SecurityPolicy struct {
	AllowUploadSensitive bool     `json:"allow_upload_sensitive" yaml:"allow_upload_sensitive"`
	DenyExtensionsIn     []string `json:"deny_extensions_in" yaml:"deny_extensions_in"`
	AllowExtensionsIn    []string `json:"allow_extensions_in,omitempty" yaml:"allow_extensions_in,omitempty"`
	DenyGlobsIn          []string `json:"deny_globs_in" yaml:"deny_globs_in"`
	AllowGlobsIn         []string `json:"allow_globs_in,omitempty" yaml:"allow_globs_in,omitempty"`
}

// SMTPSettings and SSHSettings describe external collaborators (spec §1
// non-goals): this module only carries their configuration, never
// delivers mail or opens SSH sessions itself (see internal/notify,
// internal/diagnostics).
type SMTPSettings struct {
	Host      string `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	FromEmail string `json:"from_email,omitempty" yaml:"from_email,omitempty"`
	ToEmail   string `json:"to_email,omitempty" yaml:"to_email,omitempty"`
	UseTLS    bool   `json:"use_tls,omitempty" yaml:"use_tls,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`
}

type SSHSettings struct {
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
}

type AppSettings struct {
	DBPath             string          `json:"db_path" yaml:"db_path"`
	LogDir             string          `json:"log_dir" yaml:"log_dir"`
	CacheDir           string          `json:"cache_dir" yaml:"cache_dir"`
	Retry              RetryPolicy     `json:"retry" yaml:"retry"`
	Logging            LoggingPolicy   `json:"logging" yaml:"logging"`
	Pricing            PricingPolicy   `json:"pricing" yaml:"pricing"`
	Security           SecurityPolicy  `json:"security" yaml:"security"`
	SMTP               SMTPSettings    `json:"smtp" yaml:"smtp"`
	SSH                SSHSettings     `json:"ssh" yaml:"ssh"`
	BatchPollIntervalS float64         `json:"batch_poll_interval_s" yaml:"batch_poll_interval_s"`
	BatchTimeoutS      float64         `json:"batch_timeout_s" yaml:"batch_timeout_s"`
	DefaultModel       string          `json:"default_model" yaml:"default_model"`
	DefaultTemperature float64         `json:"default_temperature" yaml:"default_temperature"`
	DryRunModify       bool            `json:"dry_run_modify" yaml:"dry_run_modify"`
}

// Defaults matches original_source/kajovo/core/config.py's AppSettings defaults.
func Defaults() AppSettings {
	return AppSettings{
		DBPath:   "kajovo.sqlite",
		LogDir:   "LOG",
		CacheDir: "cache",
		Retry: RetryPolicy{
			MaxAttempts: 6, BaseDelaySeconds: 0.8, MaxDelaySeconds: 20.0,
			JitterSeconds: 0.25, CircuitBreakerFailures: 6, CircuitBreakerCooldownS: 20.0,
		},
		Logging: LoggingPolicy{MaxTotalMB: 2048, MaxRuns: 200},
		Pricing: PricingPolicy{
			SourceURL:          "https://raw.githubusercontent.com/kajovo/pricing/main/pricing.json",
			CacheTTLHours:      72,
			AutoRefreshOnStart: true,
		},
		Security: SecurityPolicy{
			DenyExtensionsIn: append([]string(nil), DefaultDenyExtensions...),
			DenyGlobsIn:      append([]string(nil), DefaultDenyGlobs...),
		},
		BatchPollIntervalS: 4.0,
		BatchTimeoutS:      3600.0,
		DefaultTemperature: 0.2,
	}
}

// Load reads settings from path, dispatching on file extension: .yaml/.yml
// decodes as YAML, anything else (including .json) as JSON. Missing files
// return Defaults() unmodified, matching the source's
// load-or-create-defaults behavior.
func Load(path string) (AppSettings, error) {
	settings := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("config: reading %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return settings, fmt.Errorf("config: parsing yaml %s: %w", path, err)
		}
		return settings, nil
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("config: parsing json %s: %w", path, err)
	}
	return settings, nil
}

// Save writes settings to path in the format implied by its extension.
func Save(path string, settings AppSettings) error {
	ext := strings.ToLower(filepath.Ext(path))
	var data []byte
	var err error
	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.Marshal(settings)
	} else {
		data, err = json.MarshalIndent(settings, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
