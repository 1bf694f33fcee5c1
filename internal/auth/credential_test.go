package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustHash(t *testing.T, secret string) []byte {
	t.Helper()
	h, err := HashSecret(secret, bcrypt.MinCost)
	require.NoError(t, err)
	return []byte(h)
}

// recordingStore wraps a store and records every lookup.
type recordingStore struct {
	inner   CredentialStore
	err     error
	lookups []string
}

func (s *recordingStore) Lookup(ctx context.Context, id string) (*Credential, error) {
	s.lookups = append(s.lookups, id)
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Lookup(ctx, id)
}

func newTestVerifier(t *testing.T, store CredentialStore, logger *slog.Logger) *Verifier {
	t.Helper()
	v, err := NewVerifier(store, bcrypt.MinCost, logger)
	require.NoError(t, err)
	return v
}

func seededStore(t *testing.T) *MemoryCredentialStore {
	t.Helper()
	s, err := NewMemoryCredentialStore(nil, bcrypt.MinCost, nil)
	require.NoError(t, err)
	s.Put("ann@example.com", Credential{SubjectID: "1", SecretHash: mustHash(t, "correct horse"), Status: StatusActive})
	s.Put("bob@example.com", Credential{SubjectID: "2", SecretHash: mustHash(t, "pw-bob"), Status: StatusBanned})
	s.Put("cat@example.com", Credential{SubjectID: "3", SecretHash: mustHash(t, "pw-cat"), Status: StatusDeleted})
	s.Put("dan@example.com", Credential{SubjectID: "4", SecretHash: []byte("not-a-bcrypt-hash")})
	s.Put("fay@example.com", Credential{SubjectID: "member 6", SecretHash: mustHash(t, "pw-fay")})
	return s
}

func TestVerifierAuthenticate(t *testing.T) {
	ctx := context.Background()
	v := newTestVerifier(t, seededStore(t), testLogger())

	t.Run("matching secret", func(t *testing.T) {
		sub, err := v.Authenticate(ctx, "ann@example.com", "correct horse")
		require.NoError(t, err)
		assert.Equal(t, "1", sub)
	})

	t.Run("identifier is case and space insensitive", func(t *testing.T) {
		sub, err := v.Authenticate(ctx, "  Ann@Example.COM ", "correct horse")
		require.NoError(t, err)
		assert.Equal(t, "1", sub)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.Authenticate(ctx, "ann@example.com", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown identifier looks the same as wrong secret", func(t *testing.T) {
		_, err := v.Authenticate(ctx, "nobody@example.com", "whatever")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("banned only after matching secret", func(t *testing.T) {
		_, err := v.Authenticate(ctx, "bob@example.com", "pw-bob")
		assert.ErrorIs(t, err, ErrAccountBanned)

		_, err = v.Authenticate(ctx, "bob@example.com", "guess")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("deleted only after matching secret", func(t *testing.T) {
		_, err := v.Authenticate(ctx, "cat@example.com", "pw-cat")
		assert.ErrorIs(t, err, ErrAccountDeleted)

		_, err = v.Authenticate(ctx, "cat@example.com", "guess")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("corrupt stored hash", func(t *testing.T) {
		_, err := v.Authenticate(ctx, "dan@example.com", "x")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("secret longer than bcrypt input", func(t *testing.T) {
		long := strings.Repeat("a", 72)
		s, err := NewMemoryCredentialStore(nil, bcrypt.MinCost, nil)
		require.NoError(t, err)
		s.Put("eve@example.com", Credential{SubjectID: "5", SecretHash: mustHash(t, long)})
		lv := newTestVerifier(t, s, testLogger())

		_, err = lv.Authenticate(ctx, "eve@example.com", long)
		require.NoError(t, err)
		_, err = lv.Authenticate(ctx, "eve@example.com", long+"suffix")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

// compareCall is one bcrypt comparison seen by countingCompare.
type compareCall struct {
	dummy bool
}

// countingCompare replaces v.compare with a recorder that still runs bcrypt.
func countingCompare(v *Verifier) *[]compareCall {
	calls := &[]compareCall{}
	v.compare = func(hash, secret []byte) error {
		*calls = append(*calls, compareCall{dummy: bytes.Equal(hash, v.dummyHash)})
		return bcrypt.CompareHashAndPassword(hash, secret)
	}
	return calls
}

func TestVerifierComparesOnEveryPath(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		store      func(t *testing.T) CredentialStore
		identifier string
		secret     string
		wantErr    error // nil with failing set means any non-nil error
		failing    bool
		wantDummy  bool
	}{
		{"match", func(t *testing.T) CredentialStore { return seededStore(t) }, "ann@example.com", "correct horse", nil, false, false},
		{"wrong secret", func(t *testing.T) CredentialStore { return seededStore(t) }, "ann@example.com", "wrong", ErrInvalidCredentials, true, false},
		{"unknown identifier", func(t *testing.T) CredentialStore { return seededStore(t) }, "nobody@example.com", "x", ErrInvalidCredentials, true, true},
		{"corrupt stored hash", func(t *testing.T) CredentialStore { return seededStore(t) }, "dan@example.com", "x", ErrInvalidCredentials, true, true},
		{"subject that cannot be issued a token", func(t *testing.T) CredentialStore { return seededStore(t) }, "fay@example.com", "pw-fay", ErrInvalidCredentials, true, true},
		{"banned", func(t *testing.T) CredentialStore { return seededStore(t) }, "bob@example.com", "pw-bob", ErrAccountBanned, true, false},
		{"deleted", func(t *testing.T) CredentialStore { return seededStore(t) }, "cat@example.com", "pw-cat", ErrAccountDeleted, true, false},
		{"store error", func(*testing.T) CredentialStore { return &recordingStore{err: errors.New("redis down")} }, "ann@example.com", "x", nil, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(t, tt.store(t), testLogger())
			calls := countingCompare(v)

			_, err := v.Authenticate(ctx, tt.identifier, tt.secret)
			switch {
			case !tt.failing:
				require.NoError(t, err)
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			default:
				require.Error(t, err)
			}

			require.Len(t, *calls, 1, "exactly one bcrypt comparison")
			assert.Equal(t, tt.wantDummy, (*calls)[0].dummy)
		})
	}

	t.Run("cheaper stored hash is padded to the configured cost", func(t *testing.T) {
		v, err := NewVerifier(seededStore(t), bcrypt.MinCost+1, testLogger())
		require.NoError(t, err)
		calls := countingCompare(v)

		sub, err := v.Authenticate(ctx, "ann@example.com", "correct horse")
		require.NoError(t, err)
		assert.Equal(t, "1", sub)
		require.Len(t, *calls, 2)
		assert.False(t, (*calls)[0].dummy)
		assert.True(t, (*calls)[1].dummy)
	})
}

func TestVerifierLookupErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("store failure is not reported as bad credentials", func(t *testing.T) {
		store := &recordingStore{err: errors.New("redis down")}
		v := newTestVerifier(t, store, testLogger())

		_, err := v.Authenticate(ctx, "ann@example.com", "x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidCredentials)
		assert.Contains(t, err.Error(), "redis down")
		assert.Equal(t, []string{"ann@example.com"}, store.lookups)
	})
}

func TestVerifierNeverLogsSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	v := newTestVerifier(t, seededStore(t), logger)

	const secret = "s3cret-value-do-not-log"
	for _, id := range []string{"ann@example.com", "dan@example.com", "nobody@example.com"} {
		_, _ = v.Authenticate(context.Background(), id, secret)
	}
	assert.NotContains(t, buf.String(), secret)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{
		"":        StatusActive,
		"active":  StatusActive,
		"BANNED":  StatusBanned,
		"deleted": StatusDeleted,
	} {
		got, err := ParseStatus(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStatus("suspended")
	assert.Error(t, err)
}
