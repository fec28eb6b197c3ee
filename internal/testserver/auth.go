package testserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const contextKeyUser contextKey = "user"

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type accessClaims struct {
	Email      string `json:"email"`
	Generation int    `json:"gen"`
	jwt.RegisteredClaims
}

func hashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", fmt.Errorf("[testserver hashPassword] %w", err)
	}
	return string(b), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func newRefreshToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// issueTokensLocked mints an access/refresh pair for u.
func (s *Server) issueTokensLocked(u *user) (tokenResponse, error) {
	now := time.Now()
	claims := accessClaims{
		Email:      u.Email,
		Generation: s.tokenGeneration,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("[testserver issueTokens] %w", err)
	}

	refresh := newRefreshToken()
	s.refreshTokens[refresh] = u.Email

	resp := tokenResponse{AccessToken: access, RefreshToken: refresh}
	if !s.omitExpiresIn {
		resp.ExpiresIn = int64(s.accessTTL / time.Second)
	}
	return resp, nil
}

// authenticate validates an access token and returns its user.
func (s *Server) authenticate(token string) (*user, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if claims.Generation != s.tokenGeneration {
		return nil, fmt.Errorf("token revoked")
	}
	u, ok := s.users[claims.Email]
	if !ok || u.ID != claims.Subject {
		return nil, fmt.Errorf("unknown user")
	}
	return u, nil
}

// RequireAuth validates the Bearer access token and stores the user in the
// request context.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.rejectedCalls.Add(1)
				http.Error(w, `{"error":"unauthorized","error_description":"Missing Authorization header"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
				s.rejectedCalls.Add(1)
				http.Error(w, `{"error":"unauthorized","error_description":"Invalid Authorization header format"}`, http.StatusUnauthorized)
				return
			}

			u, err := s.authenticate(parts[1])
			if err != nil {
				s.rejectedCalls.Add(1)
				http.Error(w, `{"error":"unauthorized","error_description":"Invalid token"}`, http.StatusUnauthorized)
				return
			}

			next(w, r.WithContext(context.WithValue(r.Context(), contextKeyUser, u)))
		}
	}
}

func userFrom(r *http.Request) *user {
	u, _ := r.Context().Value(contextKeyUser).(*user)
	return u
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	u, ok := s.users[creds.Email]
	s.mu.Unlock()
	if !ok || !checkPassword(u.PasswordHash, creds.Password) {
		http.Error(w, `{"error":"invalid_credentials"}`, http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	resp, err := s.issueTokensLocked(u)
	s.mu.Unlock()
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Email == "" || creds.Password == "" {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, exists := s.users[creds.Email]
	s.mu.Unlock()
	if exists {
		http.Error(w, `{"error":"email_taken"}`, http.StatusBadRequest)
		return
	}
	s.AddUser(creds.Email, creds.Password)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshStatus != 0 {
		http.Error(w, `{"error":"refresh_failed"}`, s.refreshStatus)
		return
	}
	email, ok := s.refreshTokens[req.RefreshToken]
	if !ok {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
		return
	}
	// refresh tokens rotate
	delete(s.refreshTokens, req.RefreshToken)

	resp, err := s.issueTokensLocked(s.users[email])
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
