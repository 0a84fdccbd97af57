package gateway

import (
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/basket/streamdesk/internal/config"
)

var (
	defaultCORSMethods = []string{"GET", "POST", "OPTIONS"}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-API-Key", "X-User-ID"}
)

// corsPolicy holds the pre-joined header values so each request only does
// the origin match.
type corsPolicy struct {
	exact    map[string]struct{}
	patterns []string
	methods  string
	headers  string
	maxAge   string
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	p := &corsPolicy{exact: make(map[string]struct{})}
	for _, o := range cfg.AllowedOrigins {
		if strings.ContainsAny(o, "*?[") {
			p.patterns = append(p.patterns, o)
		} else {
			p.exact[o] = struct{}{}
		}
	}
	p.methods = strings.Join(orDefault(cfg.AllowedMethods, defaultCORSMethods), ", ")
	p.headers = strings.Join(orDefault(cfg.AllowedHeaders, defaultCORSHeaders), ", ")
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 3600
	}
	p.maxAge = strconv.Itoa(maxAge)
	return p
}

// allows matches exact origins first, then glob patterns such as
// "https://*.example.com". A bare "*" matches everything.
func (p *corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	for _, pat := range p.patterns {
		if pat == "*" {
			return true
		}
		if ok, _ := path.Match(pat, origin); ok {
			return true
		}
	}
	return false
}

func (p *corsPolicy) writeHeaders(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", p.methods)
	h.Set("Access-Control-Allow-Headers", p.headers)
	h.Set("Access-Control-Max-Age", p.maxAge)
	h.Add("Vary", "Origin")
}

// NewCORSMiddleware answers preflights and echoes allowed origins back.
// Disabled config yields a pass-through.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	policy := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); policy.allows(origin) {
				policy.writeHeaders(w.Header(), origin)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes (1 MiB when unset).
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
