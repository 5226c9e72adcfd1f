package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyOverride adjusts a single venue-endpoint rate-limit policy.
// Zero values leave the built-in default untouched. Keys are
// "<venue>.<endpoint>", e.g. "okx.premium-history".
type PolicyOverride struct {
	PageLimit         int `yaml:"page_limit"`
	PageDelayDirectMS int `yaml:"page_delay_direct_ms"`
	PageDelayProxyMS  int `yaml:"page_delay_proxy_ms"`
	TimeoutMS         int `yaml:"timeout_ms"`
	Max429Retries     int `yaml:"max_429_retries"`
	BaseBackoffMS     int `yaml:"base_backoff_ms"`
	SymbolBudgetMS    int `yaml:"symbol_budget_ms"`
}

// LoadPolicyOverrides parses the YAML override file. An empty path
// yields an empty map.
func LoadPolicyOverrides(path string) (map[string]PolicyOverride, error) {
	if path == "" {
		return map[string]PolicyOverride{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var overrides map[string]PolicyOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if overrides == nil {
		overrides = map[string]PolicyOverride{}
	}
	return overrides, nil
}
