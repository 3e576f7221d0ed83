// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"errors"
	"sync"
	"testing"
)

func TestCostDeterminism(t *testing.T) {
	r := NewPricingRegistryFromRules([]PricingRule{
		{Provider: "anthropic", Model: "claude-sonnet-4", InputPerMTokUSD: 3.0, OutputPerMTokUSD: 15.0},
	})

	first, err := r.Cost("anthropic", "claude-sonnet-4", 1500, 800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 1000; i++ {
		got, err := r.Cost("anthropic", "claude-sonnet-4", 1500, 800)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != first {
			t.Fatalf("cost not deterministic: %v != %v", got, first)
		}
	}

	// 1500/1e6*3 + 800/1e6*15 = 0.0045 + 0.012
	if first != 0.0165 {
		t.Errorf("expected 0.0165, got %v", first)
	}
}

func TestCostTableDriven(t *testing.T) {
	r := NewPricingRegistry()

	tests := []struct {
		name      string
		provider  string
		model     string
		tokensIn  int
		tokensOut int
		want      float64
	}{
		{"sonnet small call", "anthropic", "claude-sonnet-4", 1000, 500, 0.0105},
		{"haiku", "anthropic", "claude-3-5-haiku", 10000, 2000, 0.016},
		{"gpt-4o-mini", "openai", "gpt-4o-mini", 2000, 1000, 0.0009},
		{"heuristic is free", "heuristic", "rules", 50000, 50000, 0},
		{"zero tokens", "openai", "gpt-4o", 0, 0, 0},
		{"case-insensitive provider", "Anthropic", "claude-sonnet-4", 1000, 500, 0.0105},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Cost(tt.provider, tt.model, tt.tokensIn, tt.tokensOut)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRoundUSDHalfToEven(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.1234564, 0.123456},
		{0.1234567, 0.123457},
		{1.0000004, 1},
		{0, 0},
		{2.5, 2.5},
	}
	for _, tt := range tests {
		if got := RoundUSD(tt.in); got != tt.want {
			t.Errorf("RoundUSD(%v): expected %v, got %v", tt.in, tt.want, got)
		}
	}

	// Rounding an already-rounded amount is a no-op, so recomputation from
	// logged entries is bit-stable.
	for _, v := range []float64{0.0165, 0.000001, 12.345678, 0.123457} {
		if RoundUSD(v) != v {
			t.Errorf("RoundUSD(%v) not idempotent: got %v", v, RoundUSD(v))
		}
	}
}

func TestUnknownModelIsNeverSubstituted(t *testing.T) {
	r := NewPricingRegistry()

	if _, err := r.Rate("anthropic", "claude-nonexistent"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := r.Cost("nobody", "claude-sonnet-4", 100, 100); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel for unknown provider, got %v", err)
	}
}

func TestMergeOverridesWithoutDropping(t *testing.T) {
	r := NewPricingRegistry()
	r.Merge([]PricingRule{
		{Provider: "anthropic", Model: "claude-sonnet-4", InputPerMTokUSD: 99, OutputPerMTokUSD: 99},
		{Provider: "custom", Model: "new-model", InputPerMTokUSD: 1, OutputPerMTokUSD: 2},
	})

	rule, err := r.Rate("anthropic", "claude-sonnet-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rule.InputPerMTokUSD != 99 {
		t.Errorf("expected merged override, got %v", rule.InputPerMTokUSD)
	}
	if _, err := r.Rate("openai", "gpt-4o"); err != nil {
		t.Errorf("merge dropped an existing rule: %v", err)
	}
	if _, err := r.Rate("custom", "new-model"); err != nil {
		t.Errorf("merge did not add the new rule: %v", err)
	}
}

func TestReloadIsAtomic(t *testing.T) {
	r := NewPricingRegistryFromRules([]PricingRule{
		{Provider: "a", Model: "m", InputPerMTokUSD: 1, OutputPerMTokUSD: 1},
	})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers must always see a complete table: either the old rule or the
	// new one, never neither.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, errOld := r.Rate("a", "m")
				_, errNew := r.Rate("b", "m")
				if errOld != nil && errNew != nil {
					t.Error("observed an empty table during reload")
					return
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		r.Reload([]PricingRule{{Provider: "b", Model: "m", InputPerMTokUSD: 2, OutputPerMTokUSD: 2}})
		r.Reload([]PricingRule{{Provider: "a", Model: "m", InputPerMTokUSD: 1, OutputPerMTokUSD: 1}})
	}
	close(stop)
	wg.Wait()
}

func TestLoadPricingFromEnv(t *testing.T) {
	t.Setenv("TRACKLENS_PRICING_CONFIG", `{"rules":[{"provider":"anthropic","model":"claude-sonnet-4","input_per_mtok_usd":5,"output_per_mtok_usd":25}]}`)

	r := LoadPricingFromEnv()
	rule, err := r.Rate("anthropic", "claude-sonnet-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rule.InputPerMTokUSD != 5 || rule.OutputPerMTokUSD != 25 {
		t.Errorf("env override not applied: %+v", rule)
	}
	// Defaults survive alongside the override.
	if _, err := r.Rate("openai", "gpt-4o-mini"); err != nil {
		t.Errorf("defaults lost: %v", err)
	}
}

func TestLoadPricingFromEnvMalformedKeepsDefaults(t *testing.T) {
	t.Setenv("TRACKLENS_PRICING_CONFIG", `{not json`)

	r := LoadPricingFromEnv()
	if _, err := r.Rate("anthropic", "claude-sonnet-4"); err != nil {
		t.Errorf("malformed config should leave defaults intact: %v", err)
	}
}
