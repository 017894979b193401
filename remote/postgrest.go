// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PostgRESTConfig configures a PostgRESTSource.
type PostgRESTConfig struct {
	BaseURL string       // project URL, e.g. https://xyz.supabase.co
	APIKey  string       // sent as the apikey header
	Schema  string       // Accept-Profile header; empty for the default schema
	Tokens  TokenSource  // bearer token; defaults to the API key
	HTTP    *http.Client // defaults to a client with a 30s timeout
}

// PostgRESTSource reads pages through the PostgREST API.
type PostgRESTSource struct {
	baseURL string
	apiKey  string
	schema  string
	tokens  TokenSource
	http    *http.Client
	logger  *slog.Logger
}

// NewPostgRESTSource validates cfg and returns a source.
func NewPostgRESTSource(cfg PostgRESTConfig, logger *slog.Logger) (*PostgRESTSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("postgrest base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid postgrest base URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	tokens := cfg.Tokens
	if tokens == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("postgrest requires an API key or a token source")
		}
		tokens = StaticToken(cfg.APIKey)
	}
	client := cfg.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PostgRESTSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		schema:  cfg.Schema,
		tokens:  tokens,
		http:    client,
		logger:  logger.With("component", "postgrest"),
	}, nil
}

// postgrestError is the PostgREST error body.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// FetchPage implements Source.
func (s *PostgRESTSource) FetchPage(ctx context.Context, req PageRequest) ([]json.RawMessage, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, &FetchError{Table: req.Table, Message: "failed to obtain token", Transient: true, Err: err}
	}

	u := s.baseURL + "/rest/v1/" + url.PathEscape(req.Table) + "?" + pageQuery(req).Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if s.apiKey != "" {
		httpReq.Header.Set("apikey", s.apiKey)
	}
	if s.schema != "" {
		httpReq.Header.Set("Accept-Profile", s.schema)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Table: req.Table, Message: "request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, s.statusError(req.Table, resp)
	}

	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &FetchError{Table: req.Table, StatusCode: resp.StatusCode,
			Message: "failed to decode response", Transient: true, Err: err}
	}
	s.logger.Debug("fetched page", "table", req.Table, "rows", len(rows), "since", req.Since, "after_id", req.AfterID)
	return rows, nil
}

func (s *PostgRESTSource) statusError(table string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fe := &FetchError{Table: table, StatusCode: resp.StatusCode}

	var pe postgrestError
	if json.Unmarshal(body, &pe) == nil && (pe.Code != "" || pe.Message != "") {
		fe.Code = pe.Code
		fe.Message = pe.Message
	} else {
		fe.Message = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		// Expired or revoked JWT: drop it so the retry fetches a fresh one
		if inv, ok := s.tokens.(Invalidator); ok {
			inv.Invalidate()
			fe.Transient = true
		}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooEarly,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		fe.Transient = true
	}

	s.logger.Warn("postgrest request failed", "table", table, "status", resp.StatusCode,
		"code", fe.Code, "message", fe.Message, "transient", fe.Transient)
	return fe
}

// pageQuery renders the keyset page as PostgREST query parameters.
func pageQuery(req PageRequest) url.Values {
	f := newKeysetFilter(req)
	since := f.since.Format(time.RFC3339Nano)

	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "updated_at.asc,id.asc")
	q.Set("limit", strconv.Itoa(req.Limit))
	if f.inclusive {
		q.Set("updated_at", "gte."+since)
	} else {
		q.Set("or", fmt.Sprintf(`(updated_at.gt.%s,and(updated_at.eq.%s,id.gt.%s))`,
			quoteValue(since), quoteValue(since), quoteValue(f.afterID)))
	}
	return q
}

// quoteValue double-quotes a PostgREST logic-tree value so reserved
// characters (commas, dots, parentheses) are taken literally.
func quoteValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}
