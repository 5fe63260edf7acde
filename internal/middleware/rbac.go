package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Rules maps a role to the requests it may make. Each rule is
// "METHOD /path", where METHOD may be * and a path ending in /* matches
// everything below it.
type Rules map[string][]string

// DefaultAdminRules lets admins do anything under /admin, operators
// deactivate, activate and reset endpoints, and viewers only list them.
func DefaultAdminRules() Rules {
	return Rules{
		"admin": {
			"* /admin/*",
		},
		"operator": {
			"GET /admin/endpoints",
			"POST /admin/endpoints/*",
		},
		"viewer": {
			"GET /admin/endpoints",
		},
	}
}

// Authorize enforces rules against the role of the token verified by
// RequireJWT, which must run first.
func Authorize(rules Rules, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok || claims.Role == "" {
				writeUnauthorized(w, "no role specified")
				return
			}
			if !rules.allows(claims.Role, r.Method, r.URL.Path) {
				log.Warn().
					Str("role", claims.Role).
					Str("subject", claims.Subject).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("access denied")
				writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rs Rules) allows(role, method, path string) bool {
	for _, rule := range rs[role] {
		m, pattern, ok := strings.Cut(rule, " ")
		if !ok {
			continue
		}
		if (m == "*" || strings.EqualFold(m, method)) && matchPath(pattern, path) {
			return true
		}
	}
	return false
}

// matchPath supports exact matches and a trailing /* wildcard:
// /admin/* matches /admin/endpoints.
func matchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(path, prefix+"/")
	}
	return false
}
