package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CandidateRef names one provider/model pair in a fallback table.
type CandidateRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Routing carries optional operator overrides for the routing tables.
// Empty maps mean "use the built-in defaults".
type Routing struct {
	RegionalCurrencies map[string]string         `yaml:"regional_currencies"`
	ExchangeRates      map[string]float64        `yaml:"exchange_rates"`
	Fallbacks          map[string][]CandidateRef `yaml:"fallbacks"`
}

// LoadRouting reads the routing overrides file. An empty path returns an
// empty Routing so callers can always merge it over defaults.
func LoadRouting(path string) (Routing, error) {
	var r Routing
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("read routing config: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse routing config: %w", err)
	}

	for strategy, refs := range r.Fallbacks {
		if len(refs) == 0 {
			return r, fmt.Errorf("routing config: strategy %q has no candidates", strategy)
		}
		for _, ref := range refs {
			if ref.Provider == "" || ref.Model == "" {
				return r, fmt.Errorf("routing config: strategy %q has a candidate missing provider or model", strategy)
			}
		}
	}
	return r, nil
}
