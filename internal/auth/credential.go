package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// Authentication failures. ErrInvalidCredentials deliberately does not say
// whether the identifier or the secret was wrong.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountBanned      = errors.New("account banned")
	ErrAccountDeleted     = errors.New("account deleted")

	// ErrCredentialNotFound is returned by a CredentialStore for an unknown
	// identifier. It never leaves the Verifier.
	ErrCredentialNotFound = errors.New("credential not found")
)

// bcrypt ignores input past 72 bytes; longer secrets are refused instead of
// silently truncated.
const maxSecretLen = 72

// Status is the account state stored with a credential.
type Status string

const (
	StatusActive  Status = "active"
	StatusBanned  Status = "banned"
	StatusDeleted Status = "deleted"
)

// ParseStatus maps a stored status string to a Status. Empty means active.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusActive:
		return StatusActive, nil
	case StatusBanned:
		return StatusBanned, nil
	case StatusDeleted:
		return StatusDeleted, nil
	}
	return "", fmt.Errorf("unknown account status %q", s)
}

// Credential is a stored identity record.
type Credential struct {
	SubjectID  string
	SecretHash []byte
	Status     Status
}

// CredentialStore looks up credentials by login identifier.
type CredentialStore interface {
	Lookup(ctx context.Context, identifier string) (*Credential, error)
}

// NormalizeIdentifier canonicalizes a login identifier (an email address)
// for storage and lookup.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// HashSecret returns the bcrypt hash of secret at cost.
func HashSecret(secret string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}

// Verifier checks identifier/secret pairs. Every call performs at least
// one bcrypt comparison at the configured cost, against a throwaway hash
// when the identifier is unknown or its stored hash is unusable, so response
// time does not reveal which identifiers exist.
type Verifier struct {
	store     CredentialStore
	dummyHash []byte
	cost      int
	logger    *slog.Logger
	compare   func(hash, secret []byte) error

	costWarn rate.Sometimes
}

// NewVerifier builds a Verifier whose dummy hash uses cost, which should
// match the cost of stored hashes.
func NewVerifier(store CredentialStore, cost int, logger *slog.Logger) (*Verifier, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("seed dummy hash: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword(seed, cost)
	if err != nil {
		return nil, fmt.Errorf("build dummy hash: %w", err)
	}
	return &Verifier{
		store:     store,
		dummyHash: dummy,
		cost:      cost,
		logger:    logger,
		compare:   bcrypt.CompareHashAndPassword,
		costWarn:  rate.Sometimes{First: 1, Interval: time.Minute},
	}, nil
}

// Authenticate returns the subject ID for a matching identifier and secret.
// Account status is only consulted after the secret matched.
func (v *Verifier) Authenticate(ctx context.Context, identifier, secret string) (string, error) {
	presented := []byte(truncate(secret))

	cred, lookupErr := v.store.Lookup(ctx, NormalizeIdentifier(identifier))
	if lookupErr != nil || cred == nil {
		_ = v.compare(v.dummyHash, presented)
		if lookupErr != nil && !errors.Is(lookupErr, ErrCredentialNotFound) {
			return "", fmt.Errorf("lookup credential: %w", lookupErr)
		}
		return "", ErrInvalidCredentials
	}

	// A malformed hash fails bcrypt before any key expansion, and a subject
	// that cannot go into a token would fail only after a match.
	storedCost, unusable := bcrypt.Cost(cred.SecretHash)
	if unusable == nil && !ValidSubject(cred.SubjectID) {
		unusable = fmt.Errorf("subject id %q cannot be issued a token", cred.SubjectID)
	}
	if unusable != nil {
		_ = v.compare(v.dummyHash, presented)
		v.logger.Error("stored credential is unusable", "subject_id", cred.SubjectID, "error", unusable)
		return "", ErrInvalidCredentials
	}

	err := v.compare(cred.SecretHash, presented)
	if storedCost < v.cost {
		// Pad a cheaper stored hash up to the cost of an unknown identifier.
		_ = v.compare(v.dummyHash, presented)
		v.costWarn.Do(func() {
			v.logger.Warn("stored credential hash is cheaper than bcrypt_cost, rehash it",
				"subject_id", cred.SubjectID, "cost", storedCost, "bcrypt_cost", v.cost)
		})
	}
	switch {
	case err == nil:
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return "", ErrInvalidCredentials
	default:
		v.logger.Error("stored credential hash is unusable", "subject_id", cred.SubjectID, "error", err)
		return "", ErrInvalidCredentials
	}
	if len(secret) > maxSecretLen {
		return "", ErrInvalidCredentials
	}

	switch cred.Status {
	case StatusBanned:
		return "", ErrAccountBanned
	case StatusDeleted:
		return "", ErrAccountDeleted
	}
	return cred.SubjectID, nil
}

func truncate(secret string) string {
	if len(secret) > maxSecretLen {
		return secret[:maxSecretLen]
	}
	return secret
}
