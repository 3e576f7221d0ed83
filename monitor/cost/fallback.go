// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultAttemptTimeout bounds a single provider call. A candidate that
// cannot answer in this window is treated as failed and the chain advances.
const defaultAttemptTimeout = 30 * time.Second

// Request is one feature invocation flowing through a chain.
type Request struct {
	OwnerID    string
	AnalysisID string
	Prompt     string
}

// CallUsage is the token usage reported by a completed provider call.
type CallUsage struct {
	TokensIn  int
	TokensOut int
	Output    string
}

// ProviderCallFunc performs the actual AI call. It is injected by the
// analysis pipelines; the chain never talks to a provider SDK directly.
type ProviderCallFunc func(ctx context.Context, provider, model, prompt string) (*CallUsage, error)

// EstimateFunc predicts (tokensIn, tokensOut) for a request, used to price
// the reservation estimate before the call happens.
type EstimateFunc func(req Request) (tokensIn, tokensOut int)

// FixedEstimate returns an EstimateFunc that ignores the request. This is
// what YAML-configured chains use.
func FixedEstimate(tokensIn, tokensOut int) EstimateFunc {
	return func(Request) (int, int) { return tokensIn, tokensOut }
}

// Candidate is one (provider, model) option in a chain. Heuristic marks the
// terminal zero-cost candidate: it is still reserved and resolved like any
// other so the ledger stays uniform, but a zero estimate can never be
// rejected by the daily cap.
type Candidate struct {
	Provider  string
	Model     string
	Estimate  EstimateFunc
	Heuristic bool
}

// ChainState is the lifecycle of one feature invocation.
type ChainState string

const (
	StatePending   ChainState = "pending"
	StateTrying    ChainState = "trying"
	StateSucceeded ChainState = "succeeded"
	StateExhausted ChainState = "exhausted_fallback"
)

// AttemptStatus records how one candidate ended.
type AttemptStatus string

const (
	AttemptSucceeded       AttemptStatus = "succeeded"
	AttemptProviderFailed  AttemptStatus = "provider_failed"
	AttemptUnknownModel    AttemptStatus = "skipped_unknown_model"
	AttemptDailyRejected   AttemptStatus = "rejected_daily_budget"
	AttemptAnalysisCapped  AttemptStatus = "rejected_analysis_budget"
	AttemptSkippedForFinal AttemptStatus = "skipped_for_heuristic"
)

// Attempt is one entry in the invocation trail.
type Attempt struct {
	Provider      string
	Model         string
	Status        AttemptStatus
	ReservationID string
	Error         string
}

// Result is the outcome of Chain.Invoke. On success Entry is the committed
// ledger row and Usage the provider's reported tokens; Attempts always
// carries the full trail regardless of outcome.
type Result struct {
	State    ChainState
	Entry    *CostEntry
	Usage    *CallUsage
	Attempts []Attempt
}

// Chain tries an ordered list of candidates for one feature until a call
// succeeds or the list is exhausted. Each attempt goes through the
// Governor's reserve/resolve pair, so every completed call lands in the
// ledger and every admission decision is enforced before network I/O.
type Chain struct {
	feature    string
	candidates []Candidate
	governor   *Governor
	pricing    *PricingRegistry
	call       ProviderCallFunc
	timeout    time.Duration
	logger     *log.Logger
}

// NewChain builds a chain for one feature. candidates are tried in order;
// call is the injected provider collaborator.
func NewChain(feature string, candidates []Candidate, governor *Governor, pricing *PricingRegistry, call ProviderCallFunc, logger *log.Logger) (*Chain, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("chain for feature %q has no candidates", feature)
	}
	if governor == nil || call == nil {
		return nil, fmt.Errorf("chain for feature %q needs a governor and a call function", feature)
	}
	if pricing == nil {
		pricing = governor.pricing
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Chain{
		feature:    feature,
		candidates: candidates,
		governor:   governor,
		pricing:    pricing,
		call:       call,
		timeout:    defaultAttemptTimeout,
		logger:     logger,
	}, nil
}

// SetAttemptTimeout overrides the per-attempt provider timeout.
func (c *Chain) SetAttemptTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Feature returns the feature this chain serves.
func (c *Chain) Feature() string {
	return c.feature
}

// Invoke drives one feature invocation through the candidate list.
//
// Decision routing, per candidate:
//   - unknown (provider, model) in the registry: skip without reserving.
//   - analysis cap rejection: terminal, nothing further is tried.
//   - daily cap rejection: jump straight to the heuristic candidate if one
//     is configured, otherwise keep rejecting until exhausted.
//   - provider error or timeout: release the reservation, advance.
//
// The returned error is nil only when Result.State is StateSucceeded.
func (c *Chain) Invoke(ctx context.Context, req Request) (*Result, error) {
	result := &Result{State: StatePending}
	dailyExceeded := false

	for _, cand := range c.candidates {
		if dailyExceeded && !cand.Heuristic {
			result.Attempts = append(result.Attempts, Attempt{
				Provider: cand.Provider, Model: cand.Model, Status: AttemptSkippedForFinal,
			})
			continue
		}

		// Heuristic candidates reserve a flat $0 without consulting the
		// registry, so the terminal candidate stays reachable even when a
		// custom rate table carries no row for it.
		estimatedUSD := 0.0
		if !cand.Heuristic {
			estIn, estOut := 0, 0
			if cand.Estimate != nil {
				estIn, estOut = cand.Estimate(req)
			}
			usd, err := c.pricing.Cost(cand.Provider, cand.Model, estIn, estOut)
			if err != nil {
				// Unpriced candidate: never reserve against a rate we do not have.
				result.Attempts = append(result.Attempts, Attempt{
					Provider: cand.Provider, Model: cand.Model,
					Status: AttemptUnknownModel, Error: err.Error(),
				})
				c.logger.Printf("[Chain %s] skipping unpriced candidate %s/%s", c.feature, cand.Provider, cand.Model)
				continue
			}
			estimatedUSD = usd
		}

		result.State = StateTrying
		res, err := c.governor.Reserve(ctx, ReserveRequest{
			OwnerID:      req.OwnerID,
			AnalysisID:   req.AnalysisID,
			Feature:      c.feature,
			Provider:     cand.Provider,
			Model:        cand.Model,
			EstimatedUSD: estimatedUSD,
		})
		if err != nil {
			switch {
			case errors.Is(err, ErrAnalysisBudgetExceeded):
				// No cheaper candidate can help an analysis over its own cap.
				result.Attempts = append(result.Attempts, Attempt{
					Provider: cand.Provider, Model: cand.Model,
					Status: AttemptAnalysisCapped, Error: err.Error(),
				})
				result.State = StateExhausted
				return result, err
			case errors.Is(err, ErrDailyBudgetExceeded):
				result.Attempts = append(result.Attempts, Attempt{
					Provider: cand.Provider, Model: cand.Model,
					Status: AttemptDailyRejected, Error: err.Error(),
				})
				dailyExceeded = true
				continue
			default:
				// Frozen counters or a storage fault; nothing to advance to.
				result.State = StateExhausted
				return result, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		usage, callErr := c.call(attemptCtx, cand.Provider, cand.Model, req.Prompt)
		cancel()

		if callErr != nil {
			if _, resolveErr := c.governor.Resolve(ctx, res, Failed()); resolveErr != nil &&
				!errors.Is(resolveErr, ErrReservationResolved) {
				result.State = StateExhausted
				return result, resolveErr
			}
			result.Attempts = append(result.Attempts, Attempt{
				Provider: cand.Provider, Model: cand.Model,
				Status: AttemptProviderFailed, ReservationID: res.ID, Error: callErr.Error(),
			})
			c.logger.Printf("[Chain %s] candidate %s/%s failed, advancing: %v", c.feature, cand.Provider, cand.Model, callErr)
			continue
		}

		entry, resolveErr := c.governor.Resolve(ctx, res, Actual(usage.TokensIn, usage.TokensOut))
		if resolveErr != nil {
			result.State = StateExhausted
			return result, resolveErr
		}
		result.Attempts = append(result.Attempts, Attempt{
			Provider: cand.Provider, Model: cand.Model,
			Status: AttemptSucceeded, ReservationID: res.ID,
		})
		result.State = StateSucceeded
		result.Entry = entry
		result.Usage = usage
		return result, nil
	}

	result.State = StateExhausted
	if dailyExceeded {
		return result, ErrDailyBudgetExceeded
	}
	return result, ErrExhaustedFallback
}

// chainConfig is the YAML shape for per-feature candidate lists:
//
//	features:
//	  hook_detection:
//	    - provider: anthropic
//	      model: claude-sonnet-4
//	      estimate_tokens_in: 1200
//	      estimate_tokens_out: 400
//	    - provider: heuristic
//	      model: rules
//	      heuristic: true
type chainConfig struct {
	Features map[string][]candidateConfig `yaml:"features"`
}

type candidateConfig struct {
	Provider          string `yaml:"provider"`
	Model             string `yaml:"model"`
	EstimateTokensIn  int    `yaml:"estimate_tokens_in"`
	EstimateTokensOut int    `yaml:"estimate_tokens_out"`
	Heuristic         bool   `yaml:"heuristic"`
}

// LoadChainCandidates parses a YAML chain configuration file into
// per-feature candidate lists with fixed token estimates.
func LoadChainCandidates(path string) (map[string][]Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg chainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse chain config %s: %w", path, err)
	}

	out := make(map[string][]Candidate, len(cfg.Features))
	for feature, list := range cfg.Features {
		if len(list) == 0 {
			return nil, fmt.Errorf("chain config: feature %q has no candidates", feature)
		}
		candidates := make([]Candidate, 0, len(list))
		for _, cc := range list {
			if cc.Provider == "" || cc.Model == "" {
				return nil, fmt.Errorf("chain config: feature %q has a candidate missing provider or model", feature)
			}
			candidates = append(candidates, Candidate{
				Provider:  cc.Provider,
				Model:     cc.Model,
				Estimate:  FixedEstimate(cc.EstimateTokensIn, cc.EstimateTokensOut),
				Heuristic: cc.Heuristic,
			})
		}
		out[feature] = candidates
	}
	return out, nil
}
