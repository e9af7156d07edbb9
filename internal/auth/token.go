// Package auth issues and verifies the access tokens that gate both the
// REST surface and the websocket handshake.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every verification failure: bad signature, expiry,
// malformed subject. Callers treat it as an authentication failure and never
// retry.
var ErrInvalidToken = fmt.Errorf("invalid access token")

// Verifier resolves a bearer token to the owning user id.
type Verifier interface {
	Verify(token string) (int64, error)
}

// HMACAuthority issues and verifies HS256 tokens with a shared secret.
// The subject claim is the decimal user id.
type HMACAuthority struct {
	secret []byte
	ttl    time.Duration
}

// NewHMACAuthority builds a token authority from the shared secret.
func NewHMACAuthority(secret string, ttl time.Duration) *HMACAuthority {
	return &HMACAuthority{secret: []byte(secret), ttl: ttl}
}

// Issue mints an access token for the user.
func (a *HMACAuthority) Issue(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the user id from sub.
func (a *HMACAuthority) Verify(tokenString string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}
	return subjectUserID(claims.Subject)
}

// JWKSVerifier validates tokens signed by an external identity provider,
// fetching and caching its JWKS. The provider is expected to put the numeric
// user id in sub.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches the provider's JWKS with retries (the provider may
// still be starting) and returns a verifier that refreshes keys in the
// background.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	slog.Info("Initializing JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}

	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

// Verify parses and validates a provider-issued token.
func (v *JWKSVerifier) Verify(tokenString string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}
	return subjectUserID(claims.Subject)
}

// Close stops the background JWKS refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

func subjectUserID(sub string) (int64, error) {
	if sub == "" {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}
