package session_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-chat-session/session"
	"github.com/jrsteele09/go-chat-session/tokenstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "a@b.com"
	testPassword = "x"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// testFixture is a fake backend exposing the auth API and one protected
// resource, plus a Manager wired against it.
type testFixture struct {
	server  *httptest.Server
	kv      *tokenstore.MemoryKV
	store   *tokenstore.Store
	manager *session.Manager

	loginCalls     atomic.Int32
	registerCalls  atomic.Int32
	refreshCalls   atomic.Int32
	protectedCalls atomic.Int32

	mu               sync.Mutex
	loginHandler     http.HandlerFunc
	registerHandler  http.HandlerFunc
	refreshHandler   http.HandlerFunc
	protectedHandler http.HandlerFunc
}

func setupTestFixture(t *testing.T, options ...session.ManagerOption) *testFixture {
	t.Helper()

	f := &testFixture{kv: tokenstore.NewMemoryKV()}
	f.loginHandler = tokenHandler("T1", "R1", 3600)
	f.registerHandler = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }
	f.refreshHandler = tokenHandler("T2", "R2", 3600)
	f.protectedHandler = requireBearer("T1")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.loginCalls.Add(1)
		f.handler(&f.loginHandler)(w, r)
	})
	mux.HandleFunc("POST /api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		f.registerCalls.Add(1)
		f.handler(&f.registerHandler)(w, r)
	})
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		f.handler(&f.refreshHandler)(w, r)
	})
	mux.HandleFunc("/api/protected", func(w http.ResponseWriter, r *http.Request) {
		f.protectedCalls.Add(1)
		f.handler(&f.protectedHandler)(w, r)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	f.store = tokenstore.New(f.kv, tokenstore.WithLogger(zerolog.Nop()))
	f.manager = f.newManager(t, options...)
	return f
}

func (f *testFixture) newManager(t *testing.T, options ...session.ManagerOption) *session.Manager {
	t.Helper()
	opts := append([]session.ManagerOption{
		session.WithNowFunc(func() time.Time { return testNow }),
		session.WithLogger(zerolog.Nop()),
	}, options...)
	m, err := session.New(f.server.URL+"/api/auth", f.store, opts...)
	require.NoError(t, err)
	return m
}

func (f *testFixture) handler(h *http.HandlerFunc) http.HandlerFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *h
}

func (f *testFixture) set(h *http.HandlerFunc, fn http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*h = fn
}

// storeRecord seeds the store and rebuilds the manager so it bootstraps from it.
func (f *testFixture) storeRecord(t *testing.T, access, refresh string, expiresAt time.Time) {
	t.Helper()
	f.store.Set(tokenstore.Record{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt})
	f.manager = f.newManager(t)
}

func (f *testFixture) authorizedClient() *http.Client {
	c := &http.Client{}
	f.manager.AddAuthorization(c)
	return c
}

func tokenHandler(access, refresh string, expiresIn int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(session.TokenResponse{AccessToken: access, RefreshToken: refresh, ExpiresIn: expiresIn})
	}
}

func statusHandler(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(code), code)
	}
}

// requireBearer answers 401 unless the request carries one of the tokens, and
// echoes the request body otherwise.
func requireBearer(tokens ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		for _, tok := range tokens {
			if auth == "Bearer "+tok {
				body, _ := io.ReadAll(r.Body)
				w.Write([]byte("ok:" + strings.TrimSpace(string(body))))
				return
			}
		}
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}
}
