package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"llm_flow/internal/auth"
	"llm_flow/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// APIKeyKey is the context key for storing the authenticated key
	APIKeyKey ContextKey = "apiKey"
)

// APIKeyMiddleware rejects requests without a valid, unrevoked API key and
// adds the key to the request context
func APIKeyMiddleware(store auth.KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
					apiKey = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}

			if apiKey == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing API key")
				return
			}

			key, err := store.Lookup(r.Context(), apiKey)
			if err != nil {
				if errors.Is(err, auth.ErrKeyNotFound) {
					utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API key")
					return
				}
				utils.RespondWithError(w, http.StatusInternalServerError, "Error validating API key: "+err.Error())
				return
			}

			if key.Revoked {
				utils.RespondWithError(w, http.StatusUnauthorized, "API key has been revoked")
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAPIKey retrieves the authenticated key from the request context
func GetAPIKey(ctx context.Context) (*auth.Key, bool) {
	key, ok := ctx.Value(APIKeyKey).(*auth.Key)
	return key, ok
}
