// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the TrackLens Monitor service.
//
// The Monitor governs AI spend for the analysis pipelines and serves the
// read-only cost reporting API:
// - Admission control against per-analysis and per-user-daily budget caps
// - Append-only cost ledger with per-(owner, day) spend counters
// - Reporting endpoints under /monitoring/ai-costs
//
// Usage:
//
//	./monitor
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8084)
//	DATABASE_URL - PostgreSQL connection string (in-memory store if unset)
//	REDIS_URL - Redis URL for the report cache (optional)
//	JWT_SECRET - HMAC secret for reporting API tokens (required)
//	PER_ANALYSIS_CAP_USD - per-analysis budget cap (default: 1.00)
//	PER_USER_DAILY_CAP_USD - per-user daily budget cap (default: 10.00)
//	TRACKLENS_PRICING_FILE - JSON pricing overrides (optional)
package main

import (
	"tracklens/platform/monitor"
)

func main() {
	monitor.Run()
}
