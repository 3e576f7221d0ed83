// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
)

// currencyScale fixes cost precision at 6 decimal places. Rounding is
// half-to-even so recomputing a cost from the same inputs is bit-stable.
const currencyScale = 1e6

// RoundUSD rounds a dollar amount to the fixed currency precision.
func RoundUSD(usd float64) float64 {
	return math.RoundToEven(usd*currencyScale) / currencyScale
}

// PricingRegistry maps (provider, model) to per-MTok rates. Lookups are
// exact: there is no wildcard row and no default-model substitution.
// Reload swaps the whole table atomically; readers never observe a
// partially updated table.
type PricingRegistry struct {
	mu    sync.RWMutex
	rules map[string]PricingRule
}

// DefaultRules covers the providers the analysis pipelines call, in USD per
// million tokens. The heuristic provider backs the zero-cost terminal
// fallback and is free by definition.
var DefaultRules = []PricingRule{
	{Provider: "anthropic", Model: "claude-sonnet-4", InputPerMTokUSD: 3.0, OutputPerMTokUSD: 15.0},
	{Provider: "anthropic", Model: "claude-3-5-haiku", InputPerMTokUSD: 0.8, OutputPerMTokUSD: 4.0},
	{Provider: "openai", Model: "gpt-4o", InputPerMTokUSD: 2.5, OutputPerMTokUSD: 10.0},
	{Provider: "openai", Model: "gpt-4o-mini", InputPerMTokUSD: 0.15, OutputPerMTokUSD: 0.6},
	{Provider: "google", Model: "gemini-1.5-flash", InputPerMTokUSD: 0.075, OutputPerMTokUSD: 0.3},
	{Provider: "google", Model: "gemini-1.5-pro", InputPerMTokUSD: 1.25, OutputPerMTokUSD: 5.0},
	{Provider: "heuristic", Model: "rules", InputPerMTokUSD: 0, OutputPerMTokUSD: 0},
}

// NewPricingRegistry builds a registry preloaded with DefaultRules.
func NewPricingRegistry() *PricingRegistry {
	r := &PricingRegistry{rules: make(map[string]PricingRule)}
	r.merge(DefaultRules)
	return r
}

// NewPricingRegistryFromRules builds a registry holding exactly the given
// rules, without the compiled-in defaults.
func NewPricingRegistryFromRules(rules []PricingRule) *PricingRegistry {
	r := &PricingRegistry{rules: make(map[string]PricingRule)}
	r.merge(rules)
	return r
}

// pricingFile is the JSON shape accepted by LoadPricingFromFile and the
// TRACKLENS_PRICING_CONFIG env var.
type pricingFile struct {
	Rules []PricingRule `json:"rules"`
}

// LoadPricingFromEnv returns a registry with defaults merged with any
// overrides found in TRACKLENS_PRICING_CONFIG. Malformed config is ignored
// in favor of the defaults.
func LoadPricingFromEnv() *PricingRegistry {
	r := NewPricingRegistry()
	if raw := os.Getenv("TRACKLENS_PRICING_CONFIG"); raw != "" {
		var pf pricingFile
		if err := json.Unmarshal([]byte(raw), &pf); err == nil {
			r.Merge(pf.Rules)
		}
	}
	return r
}

// LoadPricingFromFile returns a registry with defaults merged with the
// rules from a JSON file.
func LoadPricingFromFile(path string) (*PricingRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf pricingFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}
	r := NewPricingRegistry()
	r.Merge(pf.Rules)
	return r, nil
}

// Rate returns the rule for an exact (provider, model) pair, or
// ErrUnknownModel.
func (r *PricingRegistry) Rate(provider, model string) (PricingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[ruleKey(provider, model)]
	if !ok {
		return PricingRule{}, fmt.Errorf("%w: %s/%s", ErrUnknownModel, provider, model)
	}
	return rule, nil
}

// Cost computes the dollar cost for a call, rounded to the fixed currency
// precision. Fails with ErrUnknownModel rather than guessing a rate.
func (r *PricingRegistry) Cost(provider, model string, tokensIn, tokensOut int) (float64, error) {
	rule, err := r.Rate(provider, model)
	if err != nil {
		return 0, err
	}
	usd := float64(tokensIn)/1e6*rule.InputPerMTokUSD + float64(tokensOut)/1e6*rule.OutputPerMTokUSD
	return RoundUSD(usd), nil
}

// Merge adds or replaces rules without dropping existing entries.
func (r *PricingRegistry) Merge(rules []PricingRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merge(rules)
}

// Reload replaces the whole table in one step.
func (r *PricingRegistry) Reload(rules []PricingRule) {
	next := make(map[string]PricingRule, len(rules))
	for _, rule := range rules {
		next[ruleKey(rule.Provider, rule.Model)] = rule
	}

	r.mu.Lock()
	r.rules = next
	r.mu.Unlock()
}

// Rules returns a snapshot of the table, for the pricing endpoint.
func (r *PricingRegistry) Rules() []PricingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PricingRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out
}

func (r *PricingRegistry) merge(rules []PricingRule) {
	for _, rule := range rules {
		r.rules[ruleKey(rule.Provider, rule.Model)] = rule
	}
}

func ruleKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + model
}
