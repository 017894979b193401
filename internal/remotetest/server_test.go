package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/everylanguage/biblesync/remote"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

func seed(src *MemorySource) time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src.MustPut("books",
		row{ID: "b3", Name: "Leviticus", UpdatedAt: base.Add(time.Hour)},
		row{ID: "b1", Name: "Genesis", UpdatedAt: base},
		row{ID: "b2", Name: "Exodus", UpdatedAt: base.Add(time.Hour)},
	)
	return base
}

func ids(t *testing.T, rows []json.RawMessage) []string {
	t.Helper()
	out := make([]string, len(rows))
	for i, r := range rows {
		var v row
		require.NoError(t, json.Unmarshal(r, &v))
		out[i] = v.ID
	}
	return out
}

func TestMemorySourceKeyset(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	base := seed(src)

	page, err := src.FetchPage(ctx, remote.PageRequest{Table: "books", Since: time.Unix(0, 0), Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"b1", "b2"}, ids(t, page))

	page, err = src.FetchPage(ctx, remote.PageRequest{Table: "books", Since: base.Add(time.Hour), AfterID: "b2", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"b3"}, ids(t, page))

	// Inclusive when no id is given
	page, err = src.FetchPage(ctx, remote.PageRequest{Table: "books", Since: base.Add(time.Hour), Limit: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"b2", "b3"}, ids(t, page))
	require.Equal(t, 3, src.Calls("books"))
}

func TestMemorySourceFailureInjection(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	seed(src)
	boom := errors.New("boom")

	src.FailNext(boom)
	_, err := src.FetchPage(ctx, remote.PageRequest{Table: "books", Limit: 1})
	require.ErrorIs(t, err, boom)
	_, err = src.FetchPage(ctx, remote.PageRequest{Table: "books", Limit: 1})
	require.NoError(t, err)

	src.FailAfterPages(1, boom)
	_, err = src.FetchPage(ctx, remote.PageRequest{Table: "books", Limit: 1})
	require.NoError(t, err)
	_, err = src.FetchPage(ctx, remote.PageRequest{Table: "books", Limit: 1})
	require.ErrorIs(t, err, boom)
}

func TestServerServesPostgRESTSource(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	base := seed(src)

	jwtAuth := NewJWTAuth("test-secret")
	srv := httptest.NewServer(NewServer(src, jwtAuth, nil))
	defer srv.Close()

	token, err := jwtAuth.GenerateToken("device-1", "anon", time.Hour)
	require.NoError(t, err)

	client, err := remote.NewPostgRESTSource(remote.PostgRESTConfig{BaseURL: srv.URL, APIKey: token}, nil)
	require.NoError(t, err)

	page, err := client.FetchPage(ctx, remote.PageRequest{Table: "books", Since: time.Unix(0, 0), Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"b1", "b2"}, ids(t, page))

	page, err = client.FetchPage(ctx, remote.PageRequest{Table: "books", Since: base.Add(time.Hour), AfterID: "b2", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"b3"}, ids(t, page))
}

func TestServerChecksRoleClaim(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	seed(src)

	jwtAuth := NewJWTAuth("test-secret")
	server := NewServer(src, jwtAuth, nil)
	server.AllowRoles("authenticated")
	srv := httptest.NewServer(server)
	defer srv.Close()

	fetch := func(subject, role string) error {
		token, err := jwtAuth.GenerateToken(subject, role, time.Hour)
		require.NoError(t, err)
		client, err := remote.NewPostgRESTSource(remote.PostgRESTConfig{BaseURL: srv.URL, APIKey: token}, nil)
		require.NoError(t, err)
		_, err = client.FetchPage(ctx, remote.PageRequest{Table: "books", Limit: 1})
		return err
	}

	require.NoError(t, fetch("reader-1", "authenticated"))
	err := fetch("guest", "anon")
	var fe *remote.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 403, fe.StatusCode)
	require.Equal(t, "42501", fe.Code)
	require.False(t, remote.IsTransient(err))

	require.Equal(t, []Request{
		{Table: "books", Subject: "reader-1", Role: "authenticated"},
		{Table: "books", Subject: "guest", Role: "anon"},
	}, server.Requests())
}

func TestServerRejectsExpiredToken(t *testing.T) {
	src := NewMemorySource()
	jwtAuth := NewJWTAuth("test-secret")
	srv := httptest.NewServer(NewServer(src, jwtAuth, nil))
	defer srv.Close()

	token, err := jwtAuth.GenerateToken("device-1", "anon", -time.Minute)
	require.NoError(t, err)
	client, err := remote.NewPostgRESTSource(remote.PostgRESTConfig{BaseURL: srv.URL, APIKey: token}, nil)
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), remote.PageRequest{Table: "books", Limit: 1})
	var fe *remote.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 401, fe.StatusCode)
	require.Equal(t, "PGRST301", fe.Code)
	require.Equal(t, "JWT expired", fe.Message)
}

func TestServerMapsSourceFailures(t *testing.T) {
	src := NewMemorySource()
	src.FailNext(errors.New("database down"))
	srv := httptest.NewServer(NewServer(src, nil, nil))
	defer srv.Close()

	client, err := remote.NewPostgRESTSource(remote.PostgRESTConfig{BaseURL: srv.URL, APIKey: "anon"}, nil)
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), remote.PageRequest{Table: "books", Limit: 1})
	require.True(t, remote.IsTransient(err))
}
