package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Claims are the token claims accepted on admin routes.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// ClaimsFrom returns the claims of the verified token, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Verifier checks bearer tokens.
type Verifier struct {
	parser   *jwt.Parser
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
	now      func() time.Time
}

// NewHMACVerifier accepts HS256/384/512 tokens signed with secret.
func NewHMACVerifier(secret []byte, issuer, audience string) *Verifier {
	return &Verifier{
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
		keyfunc: func(*jwt.Token) (interface{}, error) {
			return secret, nil
		},
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// NewJWKSVerifier accepts RS256 tokens signed by a key published in keys.
func NewJWKSVerifier(keys *JWKSClient, issuer, audience string) *Verifier {
	return &Verifier{
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyfunc: func(t *jwt.Token) (interface{}, error) {
			kid, ok := t.Header["kid"].(string)
			if !ok {
				return nil, errors.New("missing kid in token header")
			}
			return keys.PublicKey(kid)
		},
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Verify parses tokenStr and checks signature, expiry, issuer and audience.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	var claims Claims
	token, err := v.parser.ParseWithClaims(tokenStr, &claims, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	if claims.ExpiresAt == nil {
		return nil, errors.New("token missing exp claim")
	}
	if v.now().After(claims.ExpiresAt.Time) {
		return nil, errors.New("token is expired")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, errors.New("invalid token issuer")
	}
	if v.audience != "" && !slices.Contains(claims.Audience, v.audience) {
		return nil, errors.New("invalid token audience")
	}
	return &claims, nil
}

// RequireJWT rejects requests without a valid bearer token and stores the
// token's claims in the request context.
func RequireJWT(v *Verifier, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeUnauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.Fields(auth)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeUnauthorized(w, "invalid Authorization header format")
				return
			}

			claims, err := v.Verify(parts[1])
			if err != nil {
				log.Warn().Err(err).
					Str("path", r.URL.Path).
					Str("request_id", RequestIDFrom(r.Context())).
					Msg("token rejected")
				writeUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusUnauthorized, "unauthorized", msg)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
