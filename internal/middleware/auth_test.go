package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func makeToken(t *testing.T, method jwt.SigningMethod, key interface{}, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("signed token: %v", err)
	}
	return s
}

func claimsFor(issuer, subject, role string, ttl time.Duration) Claims {
	now := time.Now()
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"governor"},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
}

func serveWithToken(h http.Handler, token string) int {
	req := httptest.NewRequest(http.MethodGet, "/admin/endpoints", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRequireJWT_Valid(t *testing.T) {
	secret := []byte("test-secret")
	mw := RequireJWT(NewHMACVerifier(secret, "ops", "governor"), zerolog.Nop())

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			t.Fatal("expected claims in context")
		}
		if claims.Subject != "user123" || claims.Role != "admin" {
			t.Fatalf("unexpected claims %+v", claims)
		}
		w.WriteHeader(http.StatusOK)
	}))

	token := makeToken(t, jwt.SigningMethodHS256, secret, "", claimsFor("ops", "user123", "admin", time.Minute))
	if code := serveWithToken(handler, token); code != http.StatusOK {
		t.Fatalf("expected 200 got %d", code)
	}
}

func TestRequireJWT_Invalid(t *testing.T) {
	secret := []byte("test-secret")
	mw := RequireJWT(NewHMACVerifier(secret, "ops", "governor"), zerolog.Nop())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	wrongAudience := claimsFor("ops", "user123", "admin", time.Minute)
	wrongAudience.Audience = jwt.ClaimStrings{"someone-else"}

	tests := map[string]string{
		"missing header":  "",
		"garbage":         "bad.token.here",
		"expired":         makeToken(t, jwt.SigningMethodHS256, secret, "", claimsFor("ops", "u", "admin", -time.Minute)),
		"wrong issuer":    makeToken(t, jwt.SigningMethodHS256, secret, "", claimsFor("other", "u", "admin", time.Minute)),
		"wrong secret":    makeToken(t, jwt.SigningMethodHS256, []byte("nope"), "", claimsFor("ops", "u", "admin", time.Minute)),
		"wrong audience":  makeToken(t, jwt.SigningMethodHS256, secret, "", wrongAudience),
		"unsigned method": makeToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "", claimsFor("ops", "u", "admin", time.Minute)),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if code := serveWithToken(handler, token); code != http.StatusUnauthorized {
				t.Fatalf("expected 401 got %d", code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for basic auth got %d", rr.Code)
	}
}

func TestRequireJWT_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var fetches atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"use": "sig",
				"kid": "k1",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	}))
	defer jwksServer.Close()

	keys := NewJWKSClient(jwksServer.URL, time.Minute)
	handler := RequireJWT(NewJWKSVerifier(keys, "ops", ""), zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	good := makeToken(t, jwt.SigningMethodRS256, key, "k1", claimsFor("ops", "u", "admin", time.Minute))
	for i := 0; i < 3; i++ {
		if code := serveWithToken(handler, good); code != http.StatusOK {
			t.Fatalf("expected 200 got %d", code)
		}
	}
	if fetches.Load() != 1 {
		t.Fatalf("expected key set to be fetched once, got %d", fetches.Load())
	}

	unknownKid := makeToken(t, jwt.SigningMethodRS256, key, "k2", claimsFor("ops", "u", "admin", time.Minute))
	if code := serveWithToken(handler, unknownKid); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown kid got %d", code)
	}

	hmac := makeToken(t, jwt.SigningMethodHS256, []byte("secret"), "k1", claimsFor("ops", "u", "admin", time.Minute))
	if code := serveWithToken(handler, hmac); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for HMAC token got %d", code)
	}
}

func TestJWKSClientCache(t *testing.T) {
	validN := big.NewInt(12345)
	var calls atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"use": "sig",
				"kid": "key1",
				"n":   base64.RawURLEncoding.EncodeToString(validN.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
			}},
		})
	}))
	defer jwksServer.Close()

	client := NewJWKSClient(jwksServer.URL, 100*time.Millisecond)

	key1, err := client.PublicKey("key1")
	if err != nil {
		t.Fatalf("expected valid key on first call, got: %v", err)
	}
	if key1.E != 65537 {
		t.Fatalf("expected exponent 65537, got %d", key1.E)
	}

	key2, _ := client.PublicKey("key1")
	if calls.Load() != 1 {
		t.Fatalf("expected 1 fetch within TTL, got %d", calls.Load())
	}
	if key1.N.Cmp(key2.N) != 0 {
		t.Fatal("expected same key from cache")
	}

	time.Sleep(150 * time.Millisecond)
	_, _ = client.PublicKey("key1")
	if calls.Load() != 2 {
		t.Fatalf("expected 2 fetches after TTL expiry, got %d", calls.Load())
	}
}

func TestJWKSClientUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewJWKSClient(srv.URL, time.Minute).PublicKey("k"); err == nil {
		t.Fatal("expected error from failing JWKS endpoint")
	}
}
