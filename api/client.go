// Package api is the REST client for the chat backend. Authorization is the
// caller's concern: pass an http.Client prepared with
// session.Manager.AddAuthorization.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/jrsteele09/go-chat-session/internal/errors"
	"github.com/jrsteele09/go-chat-session/internal/log"
	"github.com/rs/zerolog"
)

const (
	chatsPath  = "/chats"
	uploadPath = "/upload"

	// HeaderRequestID correlates client requests with backend logs.
	HeaderRequestID = "X-Request-ID"

	uploadField  = "file"
	maxErrorBody = 1024
)

// Client talks to the backend REST API rooted at baseURL (e.g.
// http://localhost:5042/api).
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(cl *Client) {
		cl.log = l
	}
}

func New(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.L().With().Str(log.FieldComponent, "api").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Chats lists the chats visible to the current user.
func (c *Client) Chats(ctx context.Context) ([]chatmodel.Chat, error) {
	var chats []chatmodel.Chat
	if err := c.doJSON(ctx, http.MethodGet, chatsPath, nil, &chats); err != nil {
		return nil, fmt.Errorf("[Client Chats] %w", err)
	}
	return chats, nil
}

// CreateChat opens (or returns the existing) private chat with email.
func (c *Client) CreateChat(ctx context.Context, email string) (chatmodel.Chat, error) {
	var chat chatmodel.Chat
	if err := c.doJSON(ctx, http.MethodPost, chatsPath, chatmodel.CreateChatRequest{Email: email}, &chat); err != nil {
		return chatmodel.Chat{}, fmt.Errorf("[Client CreateChat] %w", err)
	}
	return chat, nil
}

// ChatMessages returns the history of a chat in server order.
func (c *Client) ChatMessages(ctx context.Context, chatID string) ([]chatmodel.Message, error) {
	var messages []chatmodel.Message
	path := chatsPath + "/" + url.PathEscape(chatID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("[Client ChatMessages] %w", err)
	}
	return messages, nil
}

// UploadFile posts content as a multipart form and returns the URL the server
// assigned to it.
func (c *Client) UploadFile(ctx context.Context, name string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile(uploadField, name)
	if err != nil {
		return "", fmt.Errorf("[Client UploadFile] %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("[Client UploadFile] read %q: %w", name, err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("[Client UploadFile] %w", err)
	}

	// bytes.Reader bodies get GetBody, so the authorizer may replay the upload.
	req, err := c.newRequest(ctx, http.MethodPost, uploadPath, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", fmt.Errorf("[Client UploadFile] %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var resp chatmodel.UploadResponse
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("[Client UploadFile] %w", err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("[Client UploadFile] %w: empty url", errors.ErrInvalidResponse)
	}
	return resp.URL, nil
}

// FileURL resolves an upload path returned by the server into an absolute URL.
// Absolute http(s) URLs are returned as they are.
func (c *Client) FileURL(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return path
	}
	// uploads are served from the server root, not below /api
	base.Path = strings.TrimSuffix(strings.TrimRight(base.Path, "/"), "/api")
	return strings.TrimRight(base.String(), "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	logger := c.log.With().
		Str(log.FieldMethod, req.Method).
		Str(log.FieldURL, req.URL.Redacted()).
		Str(log.FieldRequestID, req.Header.Get(HeaderRequestID)).
		Logger()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("request failed")
		return errors.Join(errors.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logger.Warn().Int(log.FieldStatus, resp.StatusCode).Msg("request rejected")
		return &errors.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		logger.Warn().Err(err).Msg("undecodable response")
		return fmt.Errorf("%w: %v", errors.ErrInvalidResponse, err)
	}
	logger.Debug().Int(log.FieldStatus, resp.StatusCode).Msg("request completed")
	return nil
}
