// Package catalog loads the OAuth application registered with each
// provider from a YAML file and environment overrides.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/secret"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimeout = 10 * time.Second

	// FileEnv points at an explicit providers file.
	FileEnv = "ADOPS_PROVIDERS_FILE"
)

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one entry of the providers file.
type ProviderConfig struct {
	ID           string   `yaml:"id"`
	Enabled      *bool    `yaml:"enabled"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	AuthURL      string   `yaml:"auth_url"`
	APIBaseURL   string   `yaml:"api_base_url"`
	Scopes       []string `yaml:"scopes"`
	Timeout      string   `yaml:"timeout"`
	RefreshRate  float64  `yaml:"refresh_rate"`
	RefreshBurst int      `yaml:"refresh_burst"`
}

// ProviderInfo is the operator-facing view of a configured app. It never
// includes the client secret.
type ProviderInfo struct {
	ID         string `json:"id"`
	Enabled    bool   `json:"enabled"`
	Configured bool   `json:"configured"`
	ClientID   string `json:"client_id,omitempty"`
	TokenURL   string `json:"token_url,omitempty"`
	SecretEnv  string `json:"client_secret_env"`
}

// Catalog is the loaded provider configuration.
type Catalog struct {
	apps  map[providers.ID]providers.App
	infos []ProviderInfo
}

// Load reads the providers file (if any) and applies environment overrides.
// A missing file is not an error; every provider can be configured purely
// from the environment.
func Load() (*Catalog, error) {
	cfgs, loadErr := loadConfigProviders()

	byID := make(map[providers.ID]ProviderConfig, len(cfgs))
	for _, cfg := range cfgs {
		id, err := providers.Parse(cfg.ID)
		if err != nil {
			continue
		}
		byID[id] = cfg
	}

	c := &Catalog{apps: make(map[providers.ID]providers.App)}
	for _, id := range providers.All() {
		cfg := byID[id]
		enabled := true
		if cfg.Enabled != nil {
			enabled = *cfg.Enabled
		}
		app := normalizeConfig(id, cfg)
		c.infos = append(c.infos, ProviderInfo{
			ID:         string(id),
			Enabled:    enabled,
			Configured: app.Configured(),
			ClientID:   app.ClientID,
			TokenURL:   app.TokenURL,
			SecretEnv:  providerEnvName(id, "CLIENT_SECRET"),
		})
		if enabled {
			c.apps[id] = app
		}
	}
	return c, loadErr
}

// Apps returns the enabled provider apps keyed by provider.
func (c *Catalog) Apps() map[providers.ID]providers.App {
	out := make(map[providers.ID]providers.App, len(c.apps))
	for id, app := range c.apps {
		app.Scopes = append([]string(nil), app.Scopes...)
		out[id] = app
	}
	return out
}

// Providers returns the operator-facing view of every provider.
func (c *Catalog) Providers() []ProviderInfo {
	return append([]ProviderInfo(nil), c.infos...)
}

func loadConfigProviders() ([]ProviderConfig, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %q: %w", path, err)
	}
	return cfg.Providers, nil
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(FileEnv)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/providers.yaml",
		"/etc/adops/providers.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "adops", "providers.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func normalizeConfig(id providers.ID, cfg ProviderConfig) providers.App {
	app := providers.App{
		ClientID:     envOr(id, "CLIENT_ID", cfg.ClientID),
		ClientSecret: secret.New(envOr(id, "CLIENT_SECRET", cfg.ClientSecret)),
		TokenURL:     envOr(id, "TOKEN_URL", cfg.TokenURL),
		AuthURL:      envOr(id, "AUTH_URL", cfg.AuthURL),
		APIBaseURL:   envOr(id, "API_BASE_URL", cfg.APIBaseURL),
		Scopes:       normalizeScopes(cfg.Scopes),
		Timeout:      defaultTimeout,
		RefreshRate:  cfg.RefreshRate,
		RefreshBurst: cfg.RefreshBurst,
	}

	if raw := envOr(id, "TIMEOUT", cfg.Timeout); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			app.Timeout = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv(providerEnvName(id, "REFRESH_RATE"))); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 {
			app.RefreshRate = parsed
		}
	}
	if app.RefreshRate > 0 && app.RefreshBurst <= 0 {
		app.RefreshBurst = 1
	}
	return app
}

func envOr(id providers.ID, suffix, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(providerEnvName(id, suffix))); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(scopes))
	result := make([]string, 0, len(scopes))
	for _, s := range scopes {
		normalized := strings.TrimSpace(s)
		if normalized == "" {
			continue
		}
		if _, exists := set[normalized]; exists {
			continue
		}
		set[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func providerEnvName(id providers.ID, suffix string) string {
	return fmt.Sprintf("ADOPS_%s_%s", strings.ToUpper(string(id)), suffix)
}
