// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/partscout/partscout/internal/credentials"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// Authenticator checks a username and password and returns the stored role.
type Authenticator interface {
	Authenticate(username, password string) (string, error)
}

type userKey struct{}

// WithUser returns a context carrying an authenticated user.
func WithUser(ctx context.Context, u credentials.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the user authenticated for the request, if any.
func UserFromContext(ctx context.Context) (credentials.User, bool) {
	u, ok := ctx.Value(userKey{}).(credentials.User)
	return u, ok
}

var publicPaths = []string{"/health", "/openapi.json", "/openapi.yaml", "/docs"}

// authMiddleware checks HTTP basic credentials against auth. Supplied
// credentials are always verified; missing ones are rejected only when
// required is set.
func authMiddleware(auth Authenticator, required bool, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(publicPaths, r.URL.Path) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok || auth == nil {
				if required {
					writeUnauthorized(w, "authentication required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			role, err := auth.Authenticate(username, password)
			if err != nil {
				log.Info("rejected credentials",
					"username", username,
					"remote", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeUnauthorized(w, "invalid username or password")
				return
			}

			ctx := WithUser(r.Context(), credentials.User{Username: username, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="partscout"`)
	writeError(w, http.StatusUnauthorized, pserr.CodeServerAuthUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, code pserr.Code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: string(code), Message: msg})
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}
