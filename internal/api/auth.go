package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer-token authentication. Tokens are HMAC
// signed and the caller's owner id is the subject claim.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type contextKey string

const ownerKey contextKey = "redeem.owner"

// Authenticator validates caller tokens.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

// NewAuthenticator returns an Authenticator. An empty secret rejects every token.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Middleware rejects requests without a valid token and stores the owner id
// on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			// Browsers cannot set headers on a WebSocket upgrade.
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		owner, err := a.Owner(token)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

// Owner validates token and returns its subject.
func (a *Authenticator) Owner(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token invalid")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// IssueToken signs a token for ownerID. It is used by tooling and tests.
func (a *Authenticator) IssueToken(ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// OwnerFromContext returns the authenticated owner id.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// operatorOnly guards fulfillment endpoints with a static operator token.
func operatorOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractBearer(r.Header.Get("Authorization"))
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeAuthError(w, http.StatusUnauthorized, "operator token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + msg + `"}}`))
}
