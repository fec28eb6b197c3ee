package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-chat-session/internal/errors"
	"github.com/jrsteele09/go-chat-session/internal/log"
	"github.com/jrsteele09/go-chat-session/internal/metrics"
	"github.com/jrsteele09/go-chat-session/internal/queue"
	"github.com/jrsteele09/go-chat-session/tokenstore"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	loginPath    = "/login"
	registerPath = "/register"
	refreshPath  = "/refresh"

	// DefaultSafetyMargin treats tokens expiring within this window as expired.
	DefaultSafetyMargin = 10 * time.Second

	refreshFlightKey = "refresh"
	maxErrorBody     = 512
)

// State is the session state machine. Refreshing is transient and still
// reports LoggedIn() == true while a record exists.
type State int

const (
	StateLoggedOut State = iota
	StateLoggedIn
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateLoggedIn:
		return "LoggedIn"
	case StateRefreshing:
		return "Refreshing"
	default:
		return "LoggedOut"
	}
}

// Manager owns the token record and the logged-in state. It is the only
// component that writes to the token store.
type Manager struct {
	authURL      *url.URL
	store        *tokenstore.Store
	httpClient   *http.Client
	safetyMargin time.Duration
	nowFunc      func() time.Time
	log          zerolog.Logger
	metrics      *metrics.Metrics

	refresh singleflight.Group

	// writeMu serializes epoch changes together with the store write and
	// state update they belong to. Readers only take mu.
	writeMu sync.Mutex

	mu         sync.Mutex
	loggedIn   bool
	refreshing bool
	epoch      uint64 // bumped by login/logout so a stale refresh cannot resurrect a session
	watchers   map[*queue.Queue[bool]]struct{}
}

type ManagerOption func(*Manager)

// WithHTTPClient sets the client used for the authentication endpoint.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = c
	}
}

func WithSafetyMargin(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.safetyMargin = d
	}
}

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// New creates a Manager for the authentication API rooted at authURL
// (e.g. http://localhost:5042/api/auth). The logged-in state is bootstrapped
// from the store: a stored, unexpired record means logged in.
func New(authURL string, store *tokenstore.Store, options ...ManagerOption) (*Manager, error) {
	u, err := url.Parse(strings.TrimRight(authURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("[session New] invalid auth url %q: %w", authURL, err)
	}

	m := &Manager{
		authURL:      u,
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		safetyMargin: DefaultSafetyMargin,
		log:          log.L().With().Str(log.FieldComponent, "session").Logger(),
		watchers:     make(map[*queue.Queue[bool]]struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.nowFunc == nil {
		m.nowFunc = time.Now
	}

	record, ok := m.store.Get()
	m.loggedIn = ok && !record.ExpiresWithin(m.nowFunc(), m.safetyMargin)
	return m, nil
}

// Login authenticates with e-mail and password and stores the issued tokens.
// On failure the previous state is left untouched.
func (m *Manager) Login(ctx context.Context, email, password string) (tokenstore.Record, error) {
	var resp TokenResponse
	if err := m.post(ctx, loginPath, Credentials{Email: email, Password: password}, &resp); err != nil {
		return tokenstore.Record{}, classifyAuthError("[Manager Login]", err)
	}
	record, err := m.recordFrom(resp)
	if err != nil {
		return tokenstore.Record{}, errors.Join(errors.ErrNetworkFailure, fmt.Errorf("[Manager Login] %w", err))
	}

	m.writeMu.Lock()
	m.bumpEpoch()
	m.store.Set(record)
	m.store.SetIdentity(email)
	m.setLoggedIn(true)
	m.writeMu.Unlock()

	m.log.Info().Str(log.FieldEmail, email).Time("expires_at", record.ExpiresAt).Msg("logged in")
	return record, nil
}

// Register creates an account. It never changes the session state.
func (m *Manager) Register(ctx context.Context, email, password string) error {
	if err := m.post(ctx, registerPath, Credentials{Email: email, Password: password}, nil); err != nil {
		return classifyAuthError("[Manager Register]", err)
	}
	return nil
}

// Logout clears the stored tokens. Calling it when logged out is a no-op.
func (m *Manager) Logout() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.bumpEpoch()
	m.store.Clear()
	m.setLoggedIn(false)
}

// LoggedIn reports the current session state.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.refreshing:
		return StateRefreshing
	case m.loggedIn:
		return StateLoggedIn
	default:
		return StateLoggedOut
	}
}

// Identity returns the e-mail used for the current login.
func (m *Manager) Identity() (string, bool) {
	if !m.LoggedIn() {
		return "", false
	}
	return m.store.Identity()
}

// Resume tries to revive a persisted session whose access token has expired.
// It returns the resulting logged-in state.
func (m *Manager) Resume(ctx context.Context) bool {
	if m.LoggedIn() {
		return true
	}
	if _, ok := m.store.Get(); !ok {
		return false
	}
	return m.RenewToken(ctx)
}

// VerifiedAccessToken returns an access token that does not expire within the
// safety margin, refreshing first if needed. ok is false when no valid token
// could be obtained.
func (m *Manager) VerifiedAccessToken(ctx context.Context) (string, bool) {
	record, ok := m.store.Get()
	if ok && !record.ExpiresWithin(m.nowFunc(), m.safetyMargin) {
		return record.AccessToken, true
	}
	renewed, ok := m.renew(ctx, record.AccessToken, false)
	if !ok {
		return "", false
	}
	return renewed.AccessToken, true
}

// RenewToken exchanges the stored refresh token for a new record. Concurrent
// callers share a single request and its result. A rejected refresh token logs
// the session out; any other failure keeps the existing record.
func (m *Manager) RenewToken(ctx context.Context) bool {
	_, ok := m.renew(ctx, "", true)
	return ok
}

// renew joins or starts the in-flight refresh. Unless force is set, a flight
// that finds a valid token other than stale in the store returns it without a
// network call, so late joiners do not trigger a second refresh.
func (m *Manager) renew(ctx context.Context, stale string, force bool) (tokenstore.Record, bool) {
	ch := m.refresh.DoChan(refreshFlightKey, func() (interface{}, error) {
		if !force {
			if record, ok := m.store.Get(); ok && record.AccessToken != stale &&
				!record.ExpiresWithin(m.nowFunc(), m.safetyMargin) {
				m.metrics.Refresh(metrics.RefreshSkipped)
				return record, nil
			}
		}
		// The shared flight must outlive the caller that happened to start it.
		return m.renewInternal(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return tokenstore.Record{}, false
		}
		return res.Val.(tokenstore.Record), true
	case <-ctx.Done():
		return tokenstore.Record{}, false
	}
}

func (m *Manager) renewInternal(ctx context.Context) (tokenstore.Record, error) {
	// the epoch is taken before reading the record so a login in between
	// cannot be overwritten with tokens minted from the previous session
	m.writeMu.Lock()
	epoch := m.currentEpoch()
	current, ok := m.store.Get()
	m.writeMu.Unlock()
	if !ok {
		m.metrics.Refresh(metrics.RefreshSkipped)
		return tokenstore.Record{}, errors.ErrNoRefreshToken
	}

	m.mu.Lock()
	m.refreshing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	var resp TokenResponse
	err := m.post(ctx, refreshPath, RefreshRequest{RefreshToken: current.RefreshToken}, &resp)
	if err != nil {
		if errors.IsStatus(err, http.StatusUnauthorized) {
			m.log.Warn().Err(err).Msg("refresh token rejected, logging out")
			m.metrics.Refresh(metrics.RefreshTerminal)
			m.logoutIfEpoch(epoch)
			return tokenstore.Record{}, errors.Join(errors.ErrRefreshTerminal, err)
		}
		m.log.Warn().Err(err).Msg("token refresh failed, keeping current tokens")
		m.metrics.Refresh(metrics.RefreshTransient)
		return tokenstore.Record{}, errors.Join(errors.ErrRefreshTransient, err)
	}

	record, err := m.recordFrom(resp)
	if err != nil {
		m.log.Warn().Err(err).Msg("token refresh returned an unusable response")
		m.metrics.Refresh(metrics.RefreshTransient)
		return tokenstore.Record{}, errors.Join(errors.ErrRefreshTransient, err)
	}

	m.writeMu.Lock()
	if m.currentEpoch() != epoch {
		m.writeMu.Unlock()
		m.log.Debug().Msg("discarding refresh result, session changed meanwhile")
		return tokenstore.Record{}, errors.ErrRefreshTransient
	}
	m.store.Set(record)
	m.setLoggedIn(true)
	m.writeMu.Unlock()

	m.metrics.Refresh(metrics.RefreshSuccess)
	m.log.Debug().Time("expires_at", record.ExpiresAt).Msg("token refreshed")
	return record, nil
}

func (m *Manager) logoutIfEpoch(epoch uint64) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.currentEpoch() != epoch {
		return
	}
	m.bumpEpoch()
	m.store.Clear()
	m.setLoggedIn(false)
}

// bumpEpoch and currentEpoch must be called with writeMu held when the
// result guards a store write.
func (m *Manager) bumpEpoch() {
	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Watch streams the logged-in state, starting with the current value, until
// ctx is done.
func (m *Manager) Watch(ctx context.Context) <-chan bool {
	q := queue.New[bool]()

	m.mu.Lock()
	m.watchers[q] = struct{}{}
	q.Push(m.loggedIn)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, q)
		m.mu.Unlock()
		q.Close()
	}()
	return q.Out()
}

func (m *Manager) setLoggedIn(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loggedIn == v {
		return
	}
	m.loggedIn = v
	for q := range m.watchers {
		q.Push(v)
	}
}

// recordFrom converts a token response. A missing expiresIn falls back to the
// access token's exp claim.
func (m *Manager) recordFrom(resp TokenResponse) (tokenstore.Record, error) {
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return tokenstore.Record{}, fmt.Errorf("%w: missing tokens", errors.ErrInvalidResponse)
	}

	var expiresAt time.Time
	if resp.ExpiresIn > 0 {
		expiresAt = m.nowFunc().Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else {
		exp, err := expiryFromJWT(resp.AccessToken)
		if err != nil {
			return tokenstore.Record{}, fmt.Errorf("%w: no expiry: %v", errors.ErrInvalidResponse, err)
		}
		expiresAt = exp
	}

	return tokenstore.Record{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// expiryFromJWT reads the exp claim without verifying the signature; the
// client only uses it to schedule refreshes.
func expiryFromJWT(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return exp.Time, nil
}

func (m *Manager) endpoint(path string) string {
	return m.authURL.String() + path
}

// isAuthEndpoint reports whether u targets the authentication API itself.
func (m *Manager) isAuthEndpoint(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, m.authURL.Scheme) &&
		strings.EqualFold(u.Host, m.authURL.Host) &&
		strings.HasPrefix(u.Path, m.authURL.Path)
}

func (m *Manager) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("[Manager post] encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("[Manager post] %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &errors.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidResponse, err)
	}
	return nil
}

// classifyAuthError maps login/register failures onto the auth taxonomy.
func classifyAuthError(prefix string, err error) error {
	var se *errors.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return errors.Join(errors.ErrInvalidCredentials, fmt.Errorf("%s %w", prefix, err))
		}
	}
	return errors.Join(errors.ErrNetworkFailure, fmt.Errorf("%s %w", prefix, err))
}
