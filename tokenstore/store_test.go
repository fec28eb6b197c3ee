package tokenstore_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-chat-session/tokenstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testRecord = tokenstore.Record{
	AccessToken:  "T1",
	RefreshToken: "R1",
	ExpiresAt:    time.UnixMilli(1_700_000_000_000),
}

// failingKV simulates a disabled or broken persistence substrate.
type failingKV struct{}

func (failingKV) Get(string) (string, bool, error) { return "", false, errors.New("storage disabled") }
func (failingKV) Set(map[string]string) error { return errors.New("storage disabled") }
func (failingKV) Delete(...string) error { return errors.New("storage disabled") }

func newStore(kv tokenstore.KV) *tokenstore.Store {
	return tokenstore.New(kv, tokenstore.WithLogger(zerolog.Nop()))
}

func TestStore_RoundTrip(t *testing.T) {
	s := newStore(tokenstore.NewMemoryKV())

	_, ok := s.Get()
	require.False(t, ok)

	s.Set(testRecord)
	got, ok := s.Get()
	require.True(t, ok)
	require.Equal(t, testRecord.AccessToken, got.AccessToken)
	require.Equal(t, testRecord.RefreshToken, got.RefreshToken)
	require.True(t, testRecord.ExpiresAt.Equal(got.ExpiresAt))

	s.Clear()
	_, ok = s.Get()
	require.False(t, ok)
	s.Clear()
}

func TestStore_PartialRecordReadsAsAbsent(t *testing.T) {
	kv := tokenstore.NewMemoryKV()
	require.NoError(t, kv.Set(map[string]string{
		tokenstore.KeyAccessToken:  "T1",
		tokenstore.KeyRefreshToken: "R1",
	}))

	_, ok := newStore(kv).Get()
	require.False(t, ok)
}

func TestStore_InvalidExpiryReadsAsAbsent(t *testing.T) {
	kv := tokenstore.NewMemoryKV()
	require.NoError(t, kv.Set(map[string]string{
		tokenstore.KeyAccessToken:  "T1",
		tokenstore.KeyRefreshToken: "R1",
		tokenstore.KeyExpiresAt:    "tomorrow",
	}))

	_, ok := newStore(kv).Get()
	require.False(t, ok)
}

func TestStore_IncompleteSetClears(t *testing.T) {
	s := newStore(tokenstore.NewMemoryKV())
	s.Set(testRecord)

	s.Set(tokenstore.Record{AccessToken: "only-access"})

	_, ok := s.Get()
	require.False(t, ok)
}

func TestStore_SubstrateFailureDegradesToAbsent(t *testing.T) {
	s := newStore(failingKV{})

	require.NotPanics(t, func() {
		s.Set(testRecord)
		s.SetIdentity("a@b.com")
		s.Clear()
	})
	_, ok := s.Get()
	require.False(t, ok)
	_, ok = s.Identity()
	require.False(t, ok)
}

func TestStore_Identity(t *testing.T) {
	s := newStore(tokenstore.NewMemoryKV())
	s.Set(testRecord)
	s.SetIdentity("a@b.com")

	email, ok := s.Identity()
	require.True(t, ok)
	require.Equal(t, "a@b.com", email)

	s.Clear()
	_, ok = s.Identity()
	require.False(t, ok)
}

func TestRecord_ExpiresWithin(t *testing.T) {
	now := time.Now()
	r := tokenstore.Record{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(5 * time.Second)}

	require.True(t, r.Complete())
	require.True(t, r.ExpiresWithin(now, 10*time.Second))
	require.False(t, r.ExpiresWithin(now, time.Second))
}

func TestFileKV_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")

	newStore(tokenstore.NewFileKV(path)).Set(testRecord)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, ok := newStore(tokenstore.NewFileKV(path)).Get()
	require.True(t, ok)
	require.Equal(t, "T1", got.AccessToken)
}

func TestFileKV_CorruptDocumentReadsAsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml [[["), 0o600))

	s := newStore(tokenstore.NewFileKV(path))
	_, ok := s.Get()
	require.False(t, ok)

	s.Set(testRecord)
	_, ok = s.Get()
	require.True(t, ok)
}

func TestFileKV_Sealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.bin")

	sealed := tokenstore.NewFileKV(path, tokenstore.WithSealer(tokenstore.NewPassphraseSealer("correct horse")))
	newStore(sealed).Set(testRecord)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(raw), "R1"))

	t.Run("same passphrase", func(t *testing.T) {
		kv := tokenstore.NewFileKV(path, tokenstore.WithSealer(tokenstore.NewPassphraseSealer("correct horse")))
		got, ok := newStore(kv).Get()
		require.True(t, ok)
		require.Equal(t, "R1", got.RefreshToken)
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		kv := tokenstore.NewFileKV(path, tokenstore.WithSealer(tokenstore.NewPassphraseSealer("battery staple")))
		_, ok := newStore(kv).Get()
		require.False(t, ok)
	})

	t.Run("unsealed reader", func(t *testing.T) {
		_, ok := newStore(tokenstore.NewFileKV(path)).Get()
		require.False(t, ok)
	})
}

func TestPassphraseSealer_RejectsTampering(t *testing.T) {
	s := tokenstore.NewPassphraseSealer("pw")
	sealed, err := s.Seal([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	require.ErrorIs(t, err, tokenstore.ErrSealedDocument)

	_, err = s.Open([]byte("short"))
	require.ErrorIs(t, err, tokenstore.ErrSealedDocument)
}
