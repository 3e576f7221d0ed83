// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for TrackLens services.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (monitor, uploader, etc.)
  - Instance ID and container name (for distributed tracing)
  - Owner ID (the account the request belongs to)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("monitor")

Log messages with owner and request context:

	log.Info("owner-123", "req-456", "Serving cost summary", map[string]interface{}{
	    "method": "GET",
	    "path":   "/monitoring/ai-costs/summary",
	})

Log errors with status codes:

	log.ErrorWithCode("owner-123", "req-456", "Request failed", 500, err, map[string]interface{}{
	    "endpoint": "/monitoring/ai-costs/summary",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("owner-123", "req-456", "Request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2026-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"monitor","instance_id":"i-abc123","container":"monitor-xyz",
	 "owner_id":"owner-123","request_id":"req-456",
	 "message":"Serving cost summary","fields":{"method":"GET"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
