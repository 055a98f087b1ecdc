package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy defines the CORS headers to emit for matching origins. An origin entry may be
// "*", an exact origin, or a subdomain wildcard such as "https://*.example.com".
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

type corsRules struct {
	any      bool
	exact    map[string]bool
	suffixes []originSuffix
}

type originSuffix struct {
	scheme string
	suffix string
}

func compileOrigins(origins []string) corsRules {
	rules := corsRules{exact: make(map[string]bool)}
	for _, o := range origins {
		o = strings.ToLower(strings.TrimSpace(o))
		switch {
		case o == "":
		case o == "*":
			rules.any = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			rules.suffixes = append(rules.suffixes, originSuffix{scheme: scheme + "://", suffix: host})
		default:
			rules.exact[o] = true
		}
	}
	return rules
}

func (c corsRules) empty() bool {
	return !c.any && len(c.exact) == 0 && len(c.suffixes) == 0
}

func (c corsRules) allows(origin string) bool {
	o := strings.ToLower(origin)
	if c.any || c.exact[o] {
		return true
	}
	for _, s := range c.suffixes {
		if strings.HasPrefix(o, s.scheme) && strings.HasSuffix(o, s.suffix) && len(o) > len(s.scheme)+len(s.suffix) {
			return true
		}
	}
	return false
}

// WithCORS answers preflights and decorates responses for allowed origins. With no origins
// configured it is a no-op.
func WithCORS(cfg CORSPolicy) Middleware {
	rules := compileOrigins(cfg.AllowedOrigins)
	if rules.empty() {
		return func(next http.Handler) http.Handler { return next }
	}
	methods := joinTrimmed(cfg.AllowedMethods)
	headers := joinTrimmed(cfg.AllowedHeaders)
	maxAge := ""
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")
			if origin == "" || !rules.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			// A literal "*" cannot be combined with credentials, so the origin is echoed.
			if rules.any && !cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
				next.ServeHTTP(w, r)
				return
			}
			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}
			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func joinTrimmed(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, ", ")
}
