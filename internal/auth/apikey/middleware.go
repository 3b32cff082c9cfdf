package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const keyInfoKey contextKey = "api_key_info"

// Checker validates a raw key. *Validator implements it.
type Checker interface {
	Validate(ctx context.Context, rawKey string) (*KeyInfo, error)
}

// Middleware rejects requests without a valid key for scope. Keys are read
// from the x-functions-key header, X-API-Key header, or the code query
// parameter, in that order.
func Middleware(checker Checker, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ExtractKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			info, err := checker.Validate(r.Context(), key)
			switch {
			case errors.Is(err, ErrInvalidKey):
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			case errors.Is(err, ErrExpiredKey):
				writeError(w, http.StatusUnauthorized, "expired api key")
				return
			case err != nil:
				writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}
			if !info.Allows(scope) {
				writeError(w, http.StatusForbidden, "api key not valid for this operation")
				return
			}
			ctx := context.WithValue(r.Context(), keyInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the key that authorised the request, if any.
func FromContext(ctx context.Context) *KeyInfo {
	info, _ := ctx.Value(keyInfoKey).(*KeyInfo)
	return info
}

// ExtractKey reads the raw key from the request.
func ExtractKey(r *http.Request) string {
	if key := r.Header.Get("x-functions-key"); key != "" {
		return key
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("code"))
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
