// Package middleware provides HTTP middleware for the fundraiser API
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/R3E-Network/fundraiser/internal/auth"
	"github.com/R3E-Network/fundraiser/internal/errors"
	internalhttputil "github.com/R3E-Network/fundraiser/internal/httputil"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// AuthMiddleware validates bearer tokens issued after OTP login.
type AuthMiddleware struct {
	tokens *auth.TokenManager
	logger *logger.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens *auth.TokenManager, log *logger.Logger) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &AuthMiddleware{tokens: tokens, logger: log}
}

// Require rejects requests without a valid token and stores the caller's
// identity in the request context.
func (m *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticate(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional attaches the caller's identity when a valid token is present and
// passes anonymous requests through unchanged.
func (m *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, err := m.authenticate(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) authenticate(r *http.Request) (context.Context, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errors.Unauthorized("Missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, errors.Unauthorized("Invalid Authorization header format")
	}

	claims, err := m.tokens.Parse(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}

	ctx := logger.WithUserID(r.Context(), claims.UserID)
	m.logger.ForContext(ctx).WithField("auth_method", claims.AuthMethod).Debug("Authentication successful")
	return ctx, nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	internalhttputil.WriteServiceError(w, r, m.logger, err)

	m.logger.ForContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": errors.HTTPStatus(err),
	}).Warn("Authentication failed")
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logger.UserID(ctx)
}

// RequireUserID middleware ensures user ID is present in context
func RequireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r.Context()) == "" {
			internalhttputil.Unauthorized(w, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
