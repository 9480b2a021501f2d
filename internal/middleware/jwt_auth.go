package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v4"
	"github.com/mir00r/bulu/internal/domain"
	lberrors "github.com/mir00r/bulu/internal/errors"
	"github.com/mir00r/bulu/pkg/logger"
)

// JWTAuth validates HMAC-signed bearer tokens against a shared secret.
// A secret of "" or "none" disables the check.
type JWTAuth struct {
	secret   atomic.Pointer[string]
	recorder ErrorRecorder
	logger   *logger.Logger
}

type claimsKey struct{}

// NewJWTAuth creates the authentication middleware
func NewJWTAuth(secret string, recorder ErrorRecorder, log *logger.Logger) *JWTAuth {
	ja := &JWTAuth{
		recorder: recorder,
		logger:   log.MiddlewareLogger("jwt_auth"),
	}
	ja.SetSecret(secret)
	return ja
}

// SetSecret replaces the signing secret
func (ja *JWTAuth) SetSecret(secret string) {
	ja.secret.Store(&secret)
}

// Enabled reports whether requests must carry a valid token
func (ja *JWTAuth) Enabled() bool {
	s := *ja.secret.Load()
	return s != "" && s != "none"
}

// ClaimsFromContext returns the claims of an authenticated request
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*jwt.RegisteredClaims)
	return claims, ok
}

// Middleware returns the authentication middleware
func (ja *JWTAuth) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := *ja.secret.Load()
			if secret == "" || secret == "none" {
				next.ServeHTTP(w, r)
				return
			}

			tokenString := extractToken(r)
			if tokenString == "" {
				ja.reject(w, r, "missing token")
				return
			}

			claims, err := validateToken(tokenString, []byte(secret))
			if err != nil {
				ja.logger.WithError(err).WithField("remote_addr", r.RemoteAddr).Debug("Token rejected")
				ja.reject(w, r, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func (ja *JWTAuth) reject(w http.ResponseWriter, r *http.Request, reason string) {
	_, r = domain.EnsureRequestContext(r)
	Reject(w, r, ja.recorder, lberrors.NewAuthError(reason))
}

// extractToken reads the Authorization header, with or without the Bearer scheme
func extractToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return authHeader
}

// validateToken validates and parses the JWT token
func validateToken(tokenString string, secret []byte) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
