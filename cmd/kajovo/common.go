package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/config"
	"github.com/karelmartinek-a11y/kajovo/internal/pricing"
	"github.com/karelmartinek-a11y/kajovo/internal/receiptstore"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
	"github.com/karelmartinek-a11y/kajovo/internal/secretstore"
)

const defaultBaseURL = "https://api.openai.com"

// deps bundles the collaborators every pipeline/cascade subcommand needs,
// built once from the settings file + secret store (spec §9's REDESIGN
// FLAG: collaborators passed in explicitly, never looked up globally).
type deps struct {
	Settings   config.AppSettings
	Client     *remoteclient.Client
	Policy     retry.Policy
	Breaker    *retry.Breaker
	Receipts   *receiptstore.DB
	PriceTable *pricing.Table
}

func loadSettings(path string) (config.AppSettings, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func retryPolicyFromSettings(r config.RetryPolicy) retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelaySeconds > 0 {
		p.BaseDelay = time.Duration(r.BaseDelaySeconds * float64(time.Second))
	}
	if r.MaxDelaySeconds > 0 {
		p.MaxDelay = time.Duration(r.MaxDelaySeconds * float64(time.Second))
	}
	if r.JitterSeconds > 0 {
		p.Jitter = time.Duration(r.JitterSeconds * float64(time.Second))
	}
	if r.CircuitBreakerFailures > 0 {
		p.BreakerFailures = r.CircuitBreakerFailures
	}
	if r.CircuitBreakerCooldownS > 0 {
		p.BreakerCooldown = time.Duration(r.CircuitBreakerCooldownS * float64(time.Second))
	}
	return p
}

func defaultSecretsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "kajovo", "secrets.json")
}

func resolveAPIKey(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	store := secretstore.Open(defaultSecretsPath())
	if key, ok := store.Get(secretstore.KeyAPIKey); ok {
		return key, nil
	}
	return "", fmt.Errorf("no API key configured: pass --api-key, or run `kajovo secret set api_key <key>`, or set KAJOVO_SECRET_API_KEY")
}

func buildDeps(settingsPath, apiKey, baseURL string) (*deps, error) {
	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	key, err := resolveAPIKey(apiKey)
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	policy := retryPolicyFromSettings(settings.Retry)
	breaker := retry.NewBreaker(policy.BreakerFailures, policy.BreakerCooldown)
	client := remoteclient.New(baseURL, key)
	client.Policy = policy
	client.Breaker = breaker

	var receipts *receiptstore.DB
	if settings.DBPath != "" {
		receipts, err = receiptstore.Open(settings.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening receipt store: %w", err)
		}
	}

	priceTable := pricing.NewTable(filepath.Join(settings.CacheDir, "pricing.json"))
	_ = priceTable.LoadCache()

	return &deps{Settings: settings, Client: client, Policy: policy, Breaker: breaker, Receipts: receipts, PriceTable: priceTable}, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func requireFlagValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fatalf("%s requires a value", flag)
	}
	return args[i]
}
