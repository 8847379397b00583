// tokens.go - HMAC-signed, time-boxed download tokens.
//
// Tokens are compact HS256 JWS strings carrying iss, sub, iat, exp and jti.
// Nothing is stored server-side: validity is the signature plus the clock.
package transfer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultIssuer identifies this service in the iss claim.
	DefaultIssuer = "file-drop"
	// DefaultTokenTTL bounds a leaked token to roughly one download attempt.
	DefaultTokenTTL = 120 * time.Second
)

var errSigningSecretMissing = errors.New("token signing secret missing")

// hkdfInfo separates the download-token key from any other use of the secret.
var hkdfInfo = []byte("file-drop download token v1")

// Clock abstracts time so expiry can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Claims is the verified content of a token.
type Claims struct {
	ID        string
	Issuer    string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenAuthority issues and verifies download tokens. It is safe for
// concurrent use: its key is derived once and never mutated.
type TokenAuthority struct {
	key    []byte
	issuer string
	clock  Clock
}

// TokenOption customises a TokenAuthority.
type TokenOption func(*TokenAuthority)

// WithIssuer overrides DefaultIssuer.
func WithIssuer(issuer string) TokenOption {
	return func(a *TokenAuthority) {
		if issuer != "" {
			a.issuer = issuer
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) TokenOption {
	return func(a *TokenAuthority) {
		if c != nil {
			a.clock = c
		}
	}
}

// NewTokenAuthority derives the signing key from secret with HKDF-SHA256.
func NewTokenAuthority(secret []byte, opts ...TokenOption) (*TokenAuthority, error) {
	if len(secret) == 0 {
		return nil, errSigningSecretMissing
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	a := &TokenAuthority{
		key:    key,
		issuer: DefaultIssuer,
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Issue signs a token for subject valid for ttl from now.
//
// The claim set uses whole seconds: iat is rounded down and exp rounded up,
// so a token never expires before ttl has elapsed.
func (a *TokenAuthority) Issue(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}

	now := a.clock.Now()
	exp := now.Add(ttl)
	if t := exp.Truncate(time.Second); !t.Equal(exp) {
		exp = t.Add(time.Second)
	}

	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    a.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now.Truncate(time.Second)),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// Verify checks signature, issuer and expiry, in that order. A genuine but
// expired token yields ErrExpiredToken; anything else wrong yields
// ErrInvalidToken.
func (a *TokenAuthority) Verify(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &rc,
		func(*jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		// exp is checked below against the injected clock.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	if rc.Issuer != a.issuer {
		return Claims{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, rc.Issuer)
	}
	if rc.Subject == "" || rc.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing sub or exp", ErrInvalidToken)
	}

	c := Claims{
		ID:        rc.ID,
		Issuer:    rc.Issuer,
		Subject:   rc.Subject,
		ExpiresAt: rc.ExpiresAt.Time,
	}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}

	if a.clock.Now().After(c.ExpiresAt) {
		return c, ErrExpiredToken
	}
	return c, nil
}

// VerifySubject is Verify plus a check that the token was issued for
// subject. A token for another file is ErrInvalidToken.
func (a *TokenAuthority) VerifySubject(token, subject string) (Claims, error) {
	c, err := a.Verify(token)
	if err != nil {
		return c, err
	}
	if c.Subject != subject {
		return c, fmt.Errorf("%w: issued for a different file", ErrInvalidToken)
	}
	return c, nil
}
