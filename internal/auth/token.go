// Package auth verifies caller credentials. It validates HS256 bearer tokens,
// issues them after a successful login and checks identifier/secret pairs
// against stored bcrypt hashes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/playbaseball/gatekeeper/internal/config"
)

// Token validation failures. Callers that only need a yes/no treat them all
// the same; InvalidReason names them for metrics.
var (
	ErrMalformedCredential = errors.New("malformed credential")
	ErrExpiredCredential   = errors.New("expired credential")
	ErrInvalidSignature    = errors.New("invalid credential signature")
	ErrInvalidClaims       = errors.New("invalid credential claims")
)

// Claims is the verified content of a bearer token.
type Claims struct {
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Validator checks a raw bearer token.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// TokenOption configures a TokenValidator or TokenIssuer.
type TokenOption func(*tokenOptions)

type tokenOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests that need expiry at a fixed instant.
func WithClock(now func() time.Time) TokenOption {
	return func(o *tokenOptions) { o.now = now }
}

func buildTokenOptions(opts []TokenOption) tokenOptions {
	o := tokenOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TokenValidator validates HS256 tokens signed with a shared secret.
type TokenValidator struct {
	secret []byte
	now    func() time.Time
	parser *jwt.Parser
}

// NewTokenValidator returns a validator for secret. A non-empty issuer must
// match the token's iss claim.
func NewTokenValidator(secret []byte, issuer string, opts ...TokenOption) *TokenValidator {
	o := buildTokenOptions(opts)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(o.now),
	}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}

	return &TokenValidator{
		secret: secret,
		now:    o.now,
		parser: jwt.NewParser(parserOpts...),
	}
}

// Validate verifies the signature first and the claims second, so a forged
// token is reported as ErrInvalidSignature even when it is also expired.
func (v *TokenValidator) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMalformedCredential
	}

	var rc jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &rc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}

	if !ValidSubject(rc.Subject) {
		return nil, fmt.Errorf("%w: subject", ErrInvalidClaims)
	}

	c := &Claims{SubjectID: rc.Subject}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredCredential, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	case errors.Is(err, jwt.ErrTokenInvalidClaims),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
}

// InvalidReason returns a short label for a validation error.
func InvalidReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExpiredCredential):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrInvalidClaims):
		return "claims"
	default:
		return "malformed"
	}
}

// ValidSubject reports whether s is 1-256 characters of [A-Za-z0-9-_.:@].
func ValidSubject(s string) bool {
	return config.ValidSubjectID(s)
}

// TokenIssuer signs HS256 tokens for authenticated subjects.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer whose tokens expire after ttl.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration, opts ...TokenOption) *TokenIssuer {
	o := buildTokenOptions(opts)
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl, now: o.now}
}

// Issue signs a token for subjectID and returns it with its expiry.
func (i *TokenIssuer) Issue(subjectID string) (string, time.Time, error) {
	if !ValidSubject(subjectID) {
		return "", time.Time{}, fmt.Errorf("issue token: %w: subject", ErrInvalidClaims)
	}

	now := i.now()
	expiresAt := now.Add(i.ttl).Truncate(time.Second)
	claims := jwt.RegisteredClaims{
		Subject:   subjectID,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}
