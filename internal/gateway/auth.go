package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/streamdesk/internal/config"
)

type authContextKey struct{}

// AuthMiddleware checks API keys against the configured entries.
type AuthMiddleware struct {
	keys    []*config.APIKeyEntry
	enabled bool

	// OnDeny, when set, observes every rejected request.
	OnDeny func(r *http.Request, reason string)
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{enabled: cfg.Enabled}
	for i := range cfg.Keys {
		am.keys = append(am.keys, &cfg.Keys[i])
	}
	return am
}

// Wrap rejects requests without a known key. Health and metrics stay open.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			am.deny(r, "missing_api_key")
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		entry, ok := am.lookupKey(key)
		if !ok {
			am.deny(r, "invalid_api_key")
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) deny(r *http.Request, reason string) {
	if am.OnDeny != nil {
		am.OnDeny(r, reason)
	}
}

// ExtractAPIKey checks, in order: Authorization: Bearer, X-API-Key, and the
// api_key query parameter (browsers cannot set headers on websocket dials).
func ExtractAPIKey(r *http.Request) string {
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(key)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey compares against every entry in constant time.
func (am *AuthMiddleware) lookupKey(candidate string) (*config.APIKeyEntry, bool) {
	var found *config.APIKeyEntry
	for _, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(entry.Key)) == 1 {
			found = entry
		}
	}
	return found, found != nil
}

// KeyEntryFromContext returns the authenticated key entry, if any.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	if entry, ok := ctx.Value(authContextKey{}).(*config.APIKeyEntry); ok {
		return entry
	}
	return nil
}

func isProbePath(path string) bool {
	switch path {
	case "/healthz", "/health", "/metrics":
		return true
	}
	return false
}
