package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPageQueryInclusiveFromEpoch(t *testing.T) {
	q := pageQuery(PageRequest{Table: "books", Since: time.Unix(0, 0), Limit: 500})
	require.Equal(t, "*", q.Get("select"))
	require.Equal(t, "updated_at.asc,id.asc", q.Get("order"))
	require.Equal(t, "500", q.Get("limit"))
	require.Equal(t, "gte.1970-01-01T00:00:00Z", q.Get("updated_at"))
	require.Empty(t, q.Get("or"))
}

func TestPageQueryKeyset(t *testing.T) {
	since := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.FixedZone("x", 3600))
	q := pageQuery(PageRequest{Table: "books", Since: since, AfterID: "b-1", Limit: 10})
	require.Empty(t, q.Get("updated_at"))
	require.Equal(t,
		`(updated_at.gt."2024-03-01T11:00:00.123456Z",and(updated_at.eq."2024-03-01T11:00:00.123456Z",id.gt."b-1"))`,
		q.Get("or"))
}

func TestQuoteValueEscapes(t *testing.T) {
	require.Equal(t, `"a\"b\\c"`, quoteValue(`a"b\c`))
}

func TestPostgRESTFetchPageSendsHeaders(t *testing.T) {
	var gotPath, gotAuth, gotKey, gotProfile, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		gotProfile = r.Header.Get("Accept-Profile")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"b1","updated_at":"2024-01-01T00:00:00Z"},{"id":"b2","updated_at":"2024-01-02T00:00:00Z"}]`))
	}))
	defer srv.Close()

	src, err := NewPostgRESTSource(PostgRESTConfig{BaseURL: srv.URL + "/", APIKey: "anon", Schema: "bible"}, nil)
	require.NoError(t, err)

	rows, err := src.FetchPage(context.Background(), PageRequest{Table: "books", Since: time.Unix(0, 0), Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var first struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rows[0], &first))
	require.Equal(t, "b1", first.ID)

	require.Equal(t, "/rest/v1/books", gotPath)
	require.Equal(t, "Bearer anon", gotAuth)
	require.Equal(t, "anon", gotKey)
	require.Equal(t, "bible", gotProfile)
	require.Equal(t, "2", gotLimit)
}

func TestPostgRESTRejectsUnknownTable(t *testing.T) {
	src, err := NewPostgRESTSource(PostgRESTConfig{BaseURL: "http://localhost", APIKey: "anon"}, nil)
	require.NoError(t, err)
	_, err = src.FetchPage(context.Background(), PageRequest{Table: "users", Limit: 1})
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestPostgRESTErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		transient bool
		code      string
	}{
		{http.StatusInternalServerError, `oops`, true, ""},
		{http.StatusServiceUnavailable, ``, true, ""},
		{http.StatusTooManyRequests, ``, true, ""},
		{http.StatusBadRequest, `{"code":"PGRST100","message":"bad filter"}`, false, "PGRST100"},
		{http.StatusNotFound, `{"code":"42P01","message":"relation does not exist"}`, false, "42P01"},
		// Static tokens cannot be refreshed
		{http.StatusUnauthorized, `{"code":"PGRST301","message":"JWT expired"}`, false, "PGRST301"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		src, err := NewPostgRESTSource(PostgRESTConfig{BaseURL: srv.URL, APIKey: "anon"}, nil)
		require.NoError(t, err)

		_, err = src.FetchPage(context.Background(), PageRequest{Table: "books", Limit: 1})
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, tc.status, fe.StatusCode)
		require.Equal(t, tc.code, fe.Code)
		require.Equal(t, tc.transient, IsTransient(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestPostgRESTUnauthorizedInvalidatesToken(t *testing.T) {
	var refreshes atomic.Int32
	tokens := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		if refreshes.Add(1) == 1 {
			return "stale", nil
		}
		return "fresh", nil
	}, time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"PGRST301","message":"JWT expired"}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	src, err := NewPostgRESTSource(PostgRESTConfig{BaseURL: srv.URL, APIKey: "anon", Tokens: tokens}, nil)
	require.NoError(t, err)

	req := PageRequest{Table: "books", Limit: 1}
	_, err = src.FetchPage(context.Background(), req)
	require.True(t, IsTransient(err))

	rows, err := src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Equal(t, int32(2), refreshes.Load())
}

func TestPostgRESTCanceledContextIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	src, err := NewPostgRESTSource(PostgRESTConfig{BaseURL: srv.URL, APIKey: "anon"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.FetchPage(ctx, PageRequest{Table: "books", Limit: 1})
	require.Error(t, err)
	require.False(t, IsTransient(err))
}

func TestNewPostgRESTSourceValidation(t *testing.T) {
	_, err := NewPostgRESTSource(PostgRESTConfig{}, nil)
	require.Error(t, err)
	_, err = NewPostgRESTSource(PostgRESTConfig{BaseURL: "http://x"}, nil)
	require.Error(t, err)
}
