package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/geobc/provisioner/lib/logger"
)

type contextKey string

const subjectKey contextKey = "subject"

// VerifyJWT validates bearer tokens signed with the shared secret and puts
// the token subject on the request context.
func VerifyJWT(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.WarnContext(r.Context(), "missing authorization header")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			token, err := extractBearerToken(authHeader)
			if err != nil {
				log.WarnContext(r.Context(), "invalid authorization header", "error", err)
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !parsed.Valid {
				log.WarnContext(r.Context(), "invalid token", "error", err)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			var subject string
			if sub, ok := claims["sub"].(string); ok {
				subject = sub
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken extracts the token from "Bearer <token>" format.
func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("unsupported authorization scheme: %s", parts[0])
	}
	return parts[1], nil
}

// SubjectFromContext returns the authenticated token subject, if any.
func SubjectFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(subjectKey).(string); ok {
		return subject
	}
	return ""
}
