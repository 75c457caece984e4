package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig lists the browser origins allowed to call the API from another
// site. Dashboard origins may only read: job progress, sessions and logs.
// Operator origins may also submit jobs, start batches and stop streams.
// The API's own origin is always an operator.
type CORSConfig struct {
	DashboardOrigins []string
	OperatorOrigins  []string
}

type originRole int

const (
	roleNone originRole = iota
	roleDashboard
	roleOperator
)

func (r originRole) methods() string {
	switch r {
	case roleOperator:
		return "GET, HEAD, POST, DELETE, OPTIONS"
	case roleDashboard:
		return "GET, HEAD, OPTIONS"
	default:
		return ""
	}
}

func (r originRole) permits(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return r >= roleDashboard
	case http.MethodPost, http.MethodDelete:
		return r == roleOperator
	default:
		return false
	}
}

const (
	corsAllowedHeaders = "Content-Type, X-Request-ID"
	// Log exports name their file; throttled submissions say when to retry.
	corsExposedHeaders = "Content-Disposition, Retry-After, X-Request-ID"
)

type corsPolicy struct {
	roles map[string]originRole
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{roles: make(map[string]originRole)}
	add := func(origins []string, role originRole) error {
		for _, origin := range origins {
			normalized, err := normalizeOrigin(origin)
			if err != nil {
				return fmt.Errorf("parse origin %q: %w", origin, err)
			}
			if normalized != "" && policy.roles[normalized] < role {
				policy.roles[normalized] = role
			}
		}
		return nil
	}
	if err := add(cfg.DashboardOrigins, roleDashboard); err != nil {
		return corsPolicy{}, err
	}
	if err := add(cfg.OperatorOrigins, roleOperator); err != nil {
		return corsPolicy{}, err
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

// role resolves the access an Origin header is granted on request r.
func (p corsPolicy) role(origin string, r *http.Request) originRole {
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return roleNone
	}
	if self := originForRequest(r); self != "" && normalized == self {
		return roleOperator
	}
	return p.roles[normalized]
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		role := policy.role(origin, r)
		method := r.Method
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if preflight {
			method = strings.ToUpper(strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")))
		}
		if role == roleNone {
			logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if !role.permits(method) {
			logger.Warn("blocked CORS method for dashboard origin", "origin", origin, "method", method, "path", r.URL.Path)
			http.Error(w, "origin may only read", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)

		if r.Method == http.MethodOptions {
			if preflight {
				w.Header().Set("Access-Control-Allow-Methods", role.methods())
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + host
}
