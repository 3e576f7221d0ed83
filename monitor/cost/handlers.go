// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type contextKey string

const (
	ownerContextKey contextKey = "owner_id"
	adminContextKey contextKey = "is_admin"
)

// WithOwner attaches the authenticated owner to the request context.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerContextKey, ownerID)
}

// WithAdmin marks the request context as carrying the admin role.
func WithAdmin(ctx context.Context) context.Context {
	return context.WithValue(ctx, adminContextKey, true)
}

// OwnerFromContext returns the authenticated owner, if any.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerContextKey).(string)
	return owner, ok && owner != ""
}

// IsAdmin reports whether the request context carries the admin role.
func IsAdmin(ctx context.Context) bool {
	admin, ok := ctx.Value(adminContextKey).(bool)
	return ok && admin
}

// Handler serves the read-only reporting endpoints under
// /monitoring/ai-costs. All writes to the subsystem go through the
// Governor; nothing here mutates state.
type Handler struct {
	aggregator *Aggregator
	pricing    *PricingRegistry
	cache      *ReportCache
	logger     *log.Logger
}

// NewHandler creates the reporting handler. cache may be nil.
func NewHandler(aggregator *Aggregator, pricing *PricingRegistry, cache *ReportCache, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{aggregator: aggregator, pricing: pricing, cache: cache, logger: logger}
}

// RegisterRoutes mounts the reporting endpoints on the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	sub := r.PathPrefix("/monitoring/ai-costs").Subrouter()
	sub.HandleFunc("/summary", h.GetSummary).Methods(http.MethodGet)
	sub.HandleFunc("/daily", h.GetDailyBreakdown).Methods(http.MethodGet)
	sub.HandleFunc("/tracks", h.GetTopTracks).Methods(http.MethodGet)
	sub.HandleFunc("/budget-status", h.GetBudgetStatus).Methods(http.MethodGet)
	sub.HandleFunc("/analyses/{id}", h.GetAnalysisCosts).Methods(http.MethodGet)
	sub.HandleFunc("/pricing", h.GetPricing).Methods(http.MethodGet)
}

// resolveOwner picks the owner the request reads for: the authenticated
// principal, or any owner via ?owner= when the caller holds the admin role.
func (h *Handler) resolveOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return "", false
	}
	if override := r.URL.Query().Get("owner"); override != "" && override != owner {
		if !IsAdmin(r.Context()) {
			h.writeError(w, http.StatusForbidden, "forbidden", "owner override requires the admin role")
			return "", false
		}
		return override, true
	}
	return owner, true
}

// GetSummary handles GET /monitoring/ai-costs/summary?days=30
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	days := queryInt(r, "days", 30, 1, 365)

	var cached Summary
	key := SummaryKey(owner, days)
	if h.cache.Get(r.Context(), key, &cached) {
		h.writeJSON(w, http.StatusOK, &cached)
		return
	}

	sum, err := h.aggregator.Summary(r.Context(), owner, days)
	if err != nil {
		h.logger.Printf("[CostAPI] summary failed for owner=%s: %v", owner, err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute summary")
		return
	}
	h.cache.Set(r.Context(), key, sum)
	h.writeJSON(w, http.StatusOK, sum)
}

// GetDailyBreakdown handles GET /monitoring/ai-costs/daily?days=30
func (h *Handler) GetDailyBreakdown(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	days := queryInt(r, "days", 30, 1, 365)

	var cached []DailyPoint
	key := DailyKey(owner, days)
	if h.cache.Get(r.Context(), key, &cached) {
		h.writeJSON(w, http.StatusOK, cached)
		return
	}

	points, err := h.aggregator.DailyBreakdown(r.Context(), owner, days)
	if err != nil {
		h.logger.Printf("[CostAPI] daily breakdown failed for owner=%s: %v", owner, err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute daily breakdown")
		return
	}
	h.cache.Set(r.Context(), key, points)
	h.writeJSON(w, http.StatusOK, points)
}

// GetTopTracks handles GET /monitoring/ai-costs/tracks?limit=10
func (h *Handler) GetTopTracks(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 10, 1, 100)

	tracks, err := h.aggregator.TopTracks(r.Context(), owner, limit)
	if err != nil {
		h.logger.Printf("[CostAPI] top tracks failed for owner=%s: %v", owner, err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to rank tracks")
		return
	}
	h.writeJSON(w, http.StatusOK, tracks)
}

// GetBudgetStatus handles GET /monitoring/ai-costs/budget-status
func (h *Handler) GetBudgetStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	status, err := h.aggregator.BudgetStatus(r.Context(), owner)
	if err != nil {
		h.logger.Printf("[CostAPI] budget status failed for owner=%s: %v", owner, err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to read budget status")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// GetAnalysisCosts handles GET /monitoring/ai-costs/analyses/{id}
func (h *Handler) GetAnalysisCosts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.resolveOwner(w, r); !ok {
		return
	}
	analysisID := mux.Vars(r)["id"]
	if analysisID == "" {
		h.writeError(w, http.StatusBadRequest, "bad_request", "analysis id is required")
		return
	}

	costs, err := h.aggregator.ProjectAnalysisCosts(r.Context(), analysisID)
	if err != nil {
		h.logger.Printf("[CostAPI] analysis projection failed for id=%s: %v", analysisID, err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to project analysis costs")
		return
	}
	h.writeJSON(w, http.StatusOK, costs)
}

// GetPricing handles GET /monitoring/ai-costs/pricing
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.resolveOwner(w, r); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": h.pricing.Rules(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Printf("[CostAPI] failed to encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
