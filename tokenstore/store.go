package tokenstore

import (
	"strconv"
	"time"

	"github.com/jrsteele09/go-chat-session/internal/log"
	"github.com/rs/zerolog"
)

// Keys used in the substrate. They match the keys the browser client kept in
// local storage so an exported session can be imported as-is.
const (
	KeyAccessToken  = "__accessToken"
	KeyRefreshToken = "__accessTokenRenew"
	KeyExpiresAt    = "__accessTokenExpires"
	KeyIdentity     = "__userEmail"
)

var recordKeys = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt}

// Store holds the token record on top of a KV substrate. Substrate failures are
// logged and read as "absent"; they are never returned to callers.
type Store struct {
	kv  KV
	log zerolog.Logger
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

func New(kv KV, options ...Option) *Store {
	s := &Store{
		kv:  kv,
		log: log.L().With().Str(log.FieldComponent, "tokenstore").Logger(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Get returns the stored record. A partially stored record reads as absent.
func (s *Store) Get() (Record, bool) {
	values := make(map[string]string, len(recordKeys))
	for _, key := range recordKeys {
		v, ok, err := s.kv.Get(key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("token store read failed")
			return Record{}, false
		}
		if !ok || v == "" {
			return Record{}, false
		}
		values[key] = v
	}

	ms, err := strconv.ParseInt(values[KeyExpiresAt], 10, 64)
	if err != nil {
		s.log.Warn().Err(err).Msg("token store holds an invalid expiry")
		return Record{}, false
	}

	return Record{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
		ExpiresAt:    time.UnixMilli(ms),
	}, true
}

// Set stores r. An incomplete record clears the store instead.
func (s *Store) Set(r Record) {
	if !r.Complete() {
		s.Clear()
		return
	}
	err := s.kv.Set(map[string]string{
		KeyAccessToken:  r.AccessToken,
		KeyRefreshToken: r.RefreshToken,
		KeyExpiresAt:    strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("token store write failed")
	}
}

// Clear removes the record and the identity.
func (s *Store) Clear() {
	if err := s.kv.Delete(KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyIdentity); err != nil {
		s.log.Warn().Err(err).Msg("token store clear failed")
	}
}

// SetIdentity remembers the e-mail of the logged in user.
func (s *Store) SetIdentity(email string) {
	if err := s.kv.Set(map[string]string{KeyIdentity: email}); err != nil {
		s.log.Warn().Err(err).Msg("token store identity write failed")
	}
}

func (s *Store) Identity() (string, bool) {
	v, ok, err := s.kv.Get(KeyIdentity)
	if err != nil {
		s.log.Warn().Err(err).Msg("token store identity read failed")
		return "", false
	}
	return v, ok && v != ""
}
