// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package remotetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/everylanguage/biblesync/internal/auth"
	"github.com/everylanguage/biblesync/remote"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth signs and validates HS256 tokens the way a PostgREST deployment does.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// Claims are the PostgREST claims: the database role plus standard claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for subject with the given role.
func (j *JWTAuth) GenerateToken(subject, role string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			Issuer:    "biblesync-remotetest",
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role == "" {
		return nil, errors.New("missing role in token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token using PostgREST
// error bodies: PGRST301 for expired or invalid tokens, PGRST302 when absent.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "PGRST302", "Anonymous access is disabled")
			return
		}
		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "PGRST301", "Invalid authorization header format")
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			msg := "JWT invalid"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "JWT expired"
			}
			writeError(w, http.StatusUnauthorized, "PGRST301", msg)
			return
		}

		ctx := auth.SetClaims(r.Context(), claims.Subject, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Server serves a MemorySource over the subset of the PostgREST API the
// PostgRESTSource uses.
type Server struct {
	source *MemorySource
	auth   *JWTAuth
	logger *slog.Logger
	mux    *http.ServeMux

	mu       sync.Mutex
	allowed  map[string]bool // nil allows every role
	requests []Request
}

// Request is one select served, with the claims it was authorized with.
type Request struct {
	Table   string
	Subject string
	Role    string
}

// AllowRoles restricts reads to tokens carrying one of roles. Other roles get
// 403 with SQLSTATE 42501, as a table without a grant does.
func (s *Server) AllowRoles(roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed = make(map[string]bool, len(roles))
	for _, r := range roles {
		s.allowed[r] = true
	}
}

// Requests returns the selects served so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// authorize records the request and checks the role claim.
func (s *Server) authorize(r *http.Request, table string) bool {
	subject, _ := auth.Subject(r.Context())
	role, _ := auth.Role(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Table: table, Subject: subject, Role: role})
	return s.allowed == nil || s.allowed[role]
}

// NewServer builds the handler. A nil jwtAuth disables authentication.
func NewServer(source *MemorySource, jwtAuth *JWTAuth, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{source: source, auth: jwtAuth, logger: logger, mux: http.NewServeMux()}

	var h http.Handler = http.HandlerFunc(s.handleSelect)
	if jwtAuth != nil {
		h = jwtAuth.Middleware(h)
	}
	s.mux.Handle("GET /rest/v1/{table}", h)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var keysetOr = regexp.MustCompile(
	`^\(updated_at\.gt\.("(?:[^"\\]|\\.)*"),and\(updated_at\.eq\.("(?:[^"\\]|\\.)*"),id\.gt\.("(?:[^"\\]|\\.)*")\)\)$`)

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	q := r.URL.Query()
	if !s.authorize(r, table) {
		writeError(w, http.StatusForbidden, "42501", fmt.Sprintf("permission denied for table %s", table))
		return
	}

	if order := q.Get("order"); order != "" && order != "updated_at.asc,id.asc" {
		writeError(w, http.StatusBadRequest, "PGRST100", "unsupported order "+order)
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "PGRST100", "invalid limit")
			return
		}
		limit = n
	}

	req := remote.PageRequest{Table: table, Limit: limit}
	switch {
	case q.Get("or") != "":
		m := keysetOr.FindStringSubmatch(q.Get("or"))
		if m == nil {
			writeError(w, http.StatusBadRequest, "PGRST100", "unsupported or filter")
			return
		}
		since, err := parseQuoted(m[1])
		if err != nil {
			writeError(w, http.StatusBadRequest, "PGRST100", err.Error())
			return
		}
		afterID, err := strconv.Unquote(m[3])
		if err != nil {
			writeError(w, http.StatusBadRequest, "PGRST100", err.Error())
			return
		}
		req.Since, req.AfterID = since, afterID
	case strings.HasPrefix(q.Get("updated_at"), "gte."):
		since, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(q.Get("updated_at"), "gte."))
		if err != nil {
			writeError(w, http.StatusBadRequest, "PGRST100", "invalid updated_at filter")
			return
		}
		req.Since = since
	}

	rows, err := s.source.FetchPage(r.Context(), req)
	if err != nil {
		var fe *remote.FetchError
		if errors.As(err, &fe) && fe.StatusCode != 0 {
			writeError(w, fe.StatusCode, fe.Code, fe.Message)
			return
		}
		s.logger.Error("memory source failed", "table", table, "error", err)
		writeError(w, http.StatusServiceUnavailable, "PGRST000", err.Error())
		return
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func parseQuoted(v string) (time.Time, error) {
	s, err := strconv.Unquote(v)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
