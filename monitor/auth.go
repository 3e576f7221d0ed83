// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"tracklens/platform/monitor/cost"
	"tracklens/platform/shared/logger"
)

// adminRole is the claim value that unlocks the ?owner= override on the
// reporting endpoints.
const adminRole = "admin"

// accessClaims is the token shape issued by the TrackLens account service.
// Subject carries the owner id.
type accessClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware authenticates reporting requests with a bearer JWT and
// stashes the owner (and admin role, if present) on the request context.
type AuthMiddleware struct {
	secret []byte
	log    *logger.Logger
}

// NewAuthMiddleware creates the middleware. The HMAC secret is required.
func NewAuthMiddleware(secret string, log *logger.Logger) (*AuthMiddleware, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if log == nil {
		log = logger.New("monitor-auth")
	}
	return &AuthMiddleware{secret: []byte(secret), log: log}, nil
}

// Wrap enforces authentication on next.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			m.reject(w, r, "missing bearer token")
			return
		}

		claims := &accessClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			m.reject(w, r, "invalid token")
			return
		}

		ctx := cost.WithOwner(r.Context(), claims.Subject)
		if claims.Role == adminRole {
			ctx = cost.WithAdmin(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	m.log.Warn("", "", "rejected unauthenticated request", map[string]interface{}{
		"path":   r.URL.Path,
		"reason": reason,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": "a valid bearer token is required",
	})
}
