package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nerrad567/vbus-bridge/internal/auth"
)

const ctxKeyClaims contextKey = "claims"

// requirePermission rejects requests whose bearer token lacks perm. With
// no JWT secret configured every request passes.
//
// Browsers cannot set headers on WebSocket upgrades, so a "token" query
// parameter is accepted as well.
func (s *Server) requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.Auth.JWTSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}
			claims, err := auth.ParseToken(token, s.cfg.Auth.JWTSecret)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrTokenExpired) {
					msg = "token expired"
				}
				s.logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				writeUnauthorized(w, msg)
				return
			}
			if !auth.HasPermission(claims.Role, perm) {
				writeForbidden(w, "role "+string(claims.Role)+" lacks "+string(perm))
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// userIDFromContext returns the token subject, or "" on an open API.
func userIDFromContext(ctx context.Context) string {
	if claims, ok := ctx.Value(ctxKeyClaims).(*auth.Claims); ok {
		return claims.Subject
	}
	return ""
}
