package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey indicates that the Authorization header was not provided.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidPrefix indicates the header did not use the Bearer prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
)

// ExtractKey parses a Bearer token from the Authorization header.
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", ErrMissingKey
	}

	return token, nil
}

// Middleware rejects requests whose bearer token does not match apiKey. With
// an empty apiKey the middleware is a pass-through, for local development.
func Middleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, err := ExtractKey(r)
			if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
