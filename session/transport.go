package session

import (
	"context"
	"io"
	"net/http"
)

type retriedKey struct{}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

var _ http.RoundTripper = (*Transport)(nil)

// Transport authorizes outbound requests with the session's bearer token and
// re-issues a request once after a 401 if the token could be renewed. Requests
// to the authentication API pass through untouched.
type Transport struct {
	Base    http.RoundTripper
	session *Manager
}

// Transport wraps base (http.DefaultTransport when nil).
func (m *Manager) Transport(base http.RoundTripper) *Transport {
	return &Transport{Base: base, session: m}
}

// AddAuthorization installs the authorizing transport on client.
func (m *Manager) AddAuthorization(client *http.Client) {
	client.Transport = m.Transport(client.Transport)
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.session.isAuthEndpoint(req.URL) {
		return t.base().RoundTrip(req)
	}

	token, _ := t.session.VerifiedAccessToken(req.Context())
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !t.canRetry(req) {
		return resp, err
	}

	renewed, ok := t.session.renew(req.Context(), token, false)
	if !ok {
		return resp, nil
	}

	retry := req.Clone(context.WithValue(req.Context(), retriedKey{}, true))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+renewed.AccessToken)

	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	t.session.log.Debug().Str("url", req.URL.Redacted()).Msg("retrying request with renewed token")
	t.session.metrics.Retry()
	return t.base().RoundTrip(retry)
}

// canRetry allows a single retry per original request, and only when the
// body can be replayed.
func (t *Transport) canRetry(req *http.Request) bool {
	if isRetried(req.Context()) {
		return false
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return false
	}
	return true
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
