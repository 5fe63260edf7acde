package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func withRole(r *http.Request, role string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), claimsKey{}, &Claims{Role: role}))
}

func authorized(rules Rules, method, path, role string) int {
	handler := Authorize(rules, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, path, nil)
	if role != "" {
		req = withRole(req, role)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w.Code
}

func TestAuthorize_DefaultRules(t *testing.T) {
	rules := DefaultAdminRules()
	tests := []struct {
		method, path, role string
		want               int
	}{
		{http.MethodPost, "/admin/endpoints", "admin", http.StatusOK},
		{http.MethodPost, "/admin/endpoints/helius/reset", "admin", http.StatusOK},
		{http.MethodGet, "/admin/endpoints", "operator", http.StatusOK},
		{http.MethodPost, "/admin/endpoints/helius/deactivate", "operator", http.StatusOK},
		{http.MethodPost, "/admin/endpoints", "operator", http.StatusForbidden},
		{http.MethodGet, "/admin/endpoints", "viewer", http.StatusOK},
		{http.MethodPost, "/admin/endpoints/helius/reset", "viewer", http.StatusForbidden},
		{http.MethodGet, "/admin/endpoints", "stranger", http.StatusForbidden},
		{http.MethodGet, "/admin/endpoints", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		if got := authorized(rules, tt.method, tt.path, tt.role); got != tt.want {
			t.Errorf("%s %s as %q: expected %d, got %d", tt.method, tt.path, tt.role, tt.want, got)
		}
	}
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/admin/endpoints", "/admin/endpoints", true},
		{"/admin/*", "/admin/endpoints", true},
		{"/admin/*", "/admin", false},
		{"/admin/*", "/administrator", false},
		{"/admin/endpoints", "/admin/endpoints/x", false},
	}
	for _, tt := range tests {
		if got := matchPath(tt.pattern, tt.path); got != tt.want {
			t.Errorf("matchPath(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
