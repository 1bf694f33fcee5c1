package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playbaseball/gatekeeper/internal/config"
	"github.com/playbaseball/gatekeeper/internal/redis"
	"golang.org/x/crypto/bcrypt"
)

// MemoryCredentialStore holds credentials seeded from configuration.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemoryCredentialStore builds a store from configured users. Every
// secret_hash must be a bcrypt hash; one made at a cost other than cost is
// accepted with a warning.
func NewMemoryCredentialStore(users []config.UserConfig, cost int, logger *slog.Logger) (*MemoryCredentialStore, error) {
	s := &MemoryCredentialStore{creds: make(map[string]Credential, len(users))}
	for i, u := range users {
		status, err := ParseStatus(u.Status)
		if err != nil {
			return nil, fmt.Errorf("users[%d]: %w", i, err)
		}
		hash := []byte(u.SecretHash.Value())
		hashCost, err := bcrypt.Cost(hash)
		if err != nil {
			return nil, fmt.Errorf("users[%d]: secret_hash is not a bcrypt hash: %w", i, err)
		}
		if hashCost != cost && logger != nil {
			logger.Warn("seeded credential uses a different bcrypt cost",
				"subject_id", u.SubjectID, "cost", hashCost, "bcrypt_cost", cost)
		}
		s.Put(u.Identifier, Credential{
			SubjectID:  u.SubjectID,
			SecretHash: hash,
			Status:     status,
		})
	}
	return s, nil
}

// Put adds or replaces the credential for identifier.
func (s *MemoryCredentialStore) Put(identifier string, cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[NormalizeIdentifier(identifier)] = cred
}

// Lookup implements CredentialStore.
func (s *MemoryCredentialStore) Lookup(_ context.Context, identifier string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[identifier]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &cred, nil
}

// Hash fields of a credential record in Redis.
const (
	fieldSubjectID  = "subject_id"
	fieldSecretHash = "secret_hash"
	fieldStatus     = "status"
)

// RedisCredentialStore reads credentials from Redis hashes at
// <prefix><identifier> with subject_id, secret_hash and status fields.
type RedisCredentialStore struct {
	client  redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisCredentialStore returns a store reading through client. Every
// lookup is bounded by timeout.
func NewRedisCredentialStore(client redis.Client, prefix string, timeout time.Duration) *RedisCredentialStore {
	return &RedisCredentialStore{client: client, prefix: prefix, timeout: timeout}
}

// Lookup implements CredentialStore.
func (s *RedisCredentialStore) Lookup(ctx context.Context, identifier string) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.prefix+identifier).Result()
	if err != nil {
		return nil, fmt.Errorf("redis credential lookup: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrCredentialNotFound
	}

	subject, hash := fields[fieldSubjectID], fields[fieldSecretHash]
	if subject == "" || hash == "" {
		return nil, fmt.Errorf("redis credential record %q is incomplete", s.prefix+identifier)
	}
	status, err := ParseStatus(fields[fieldStatus])
	if err != nil {
		return nil, err
	}
	return &Credential{SubjectID: subject, SecretHash: []byte(hash), Status: status}, nil
}

// Put writes a credential record. Used for provisioning and tests.
func (s *RedisCredentialStore) Put(ctx context.Context, identifier string, cred Credential) error {
	status := cred.Status
	if status == "" {
		status = StatusActive
	}
	return s.client.HSet(ctx, s.prefix+NormalizeIdentifier(identifier),
		fieldSubjectID, cred.SubjectID,
		fieldSecretHash, string(cred.SecretHash),
		fieldStatus, string(status),
	).Err()
}
