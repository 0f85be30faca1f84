// Package session mints and validates the service's own short-lived signed
// credentials, distinct from the provider's OAuth tokens.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthorized is returned for any credential that fails validation:
// bad signature, elapsed expiry, or a malformed subject.
var ErrUnauthorized = errors.New("session: unauthorized")

// DefaultTTL bounds credential lifetime when the caller passes zero.
const DefaultTTL = time.Hour

// Claims is the validated content of a session credential.
type Claims struct {
	UserID   int64
	Username string
	IssuedAt time.Time
	Expires  time.Time
}

// Issuer signs and verifies HS256 session credentials with an injected
// secret, fixed for the process lifetime.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer builds an Issuer. The secret is supplied by the caller and is
// never read from ambient state, so tests can pin a deterministic value.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("session: empty signing secret")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: secret, ttl: ttl}, nil
}

// Mint issues a signed credential bound to the given user identity.
func (i *Issuer) Mint(userID int64, username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      strconv.FormatInt(userID, 10),
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(i.ttl).Unix(),
		"jti":      uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	return signed, nil
}

// Validate checks signature, expiry, and subject shape. Every failure maps
// to ErrUnauthorized so callers cannot distinguish why a credential was bad.
func (i *Issuer) Validate(credential string) (*Claims, error) {
	parsed, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}
	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed subject", ErrUnauthorized)
	}
	out := &Claims{UserID: userID}
	if v, ok := mc["username"].(string); ok {
		out.Username = v
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.Expires = exp.Time
	}
	return out, nil
}

// TokenFromRequest extracts a credential from the Authorization header or,
// equivalently, from the access_token query parameter. Streaming clients
// that cannot set headers use the query form; both are accepted identically.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return r.URL.Query().Get("access_token")
}
