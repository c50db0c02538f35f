package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// SubjectKey is the context key holding the authenticated caller identity.
const SubjectKey contextKey = "subject"

// Validator checks HMAC-signed bearer tokens on the admission API. A single
// shared secret covers the deployment; producers mint their own tokens.
type Validator struct {
	secret []byte
}

// NewValidator creates a validator for the given shared secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// ValidateToken validates a token and returns the subject claim.
func (v *Validator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %v", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("missing or invalid sub claim")
	}
	return sub, nil
}

// HTTPMiddleware returns an HTTP middleware that validates bearer tokens.
// Health and metrics stay open for probes and scrapers.
func (v *Validator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		sub, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext extracts the authenticated subject from context.
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(SubjectKey).(string)
	return sub, ok
}
