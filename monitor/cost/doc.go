// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

// Package cost implements the cost-governed AI invocation subsystem of the
// TrackLens monitor service.
//
// Analysis pipelines do not call AI providers directly. Each call goes
// through a fallback Chain which asks the Governor to admit the call
// against the owner's budgets, invokes the caller-supplied provider
// function, and records the actual spend in the append-only ledger exactly
// once. The Aggregator derives all reporting views (summary, daily
// breakdown, per-track ranking, budget status) from ledger entries; the
// ledger is the source of truth and every other shape is a projection of
// it.
//
// The only contended state is the per-(owner, day) committed/reserved
// counter pair. The Store implementations serialize all reserve and
// resolve operations for the same owner so that admission is a single
// atomic check-and-increment; different owners never contend.
//
// Typical wiring:
//
//	registry := cost.NewPricingRegistry()
//	store := cost.NewMemoryStore()
//	governor, _ := cost.NewGovernor(store, registry, policy, nil)
//	chain, _ := cost.NewChain("hook_detection", candidates, governor, registry, callFn, nil)
//	result, err := chain.Invoke(ctx, req)
package cost
