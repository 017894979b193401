package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/everylanguage/biblesync/internal/remotetest"
	"github.com/everylanguage/biblesync/model"
	"github.com/everylanguage/biblesync/remote"
	"github.com/stretchr/testify/require"
)

// seedCanon puts a small connected data set into every synced table.
func seedCanon(src *remotetest.MemorySource) {
	at := func(i int) time.Time { return base.Add(time.Duration(i) * time.Minute) }

	src.MustPut(model.TableLanguageEntities,
		model.LanguageEntity{ID: "lang-en", Name: "English", Level: "language", CreatedAt: base, UpdatedAt: at(1)},
		model.LanguageEntity{ID: "dial-us", ParentID: strPtr("lang-en"), Name: "US English", Level: "Dialect", CreatedAt: base, UpdatedAt: at(2)},
	)
	src.MustPut(model.TableBooks, book(1, at(1)), book(2, at(2)))
	for c := 1; c <= 3; c++ {
		src.MustPut(model.TableChapters, model.Chapter{
			ID: fmt.Sprintf("ch-%d", c), BookID: "book-0001", ChapterNumber: c, TotalVerses: 2,
			GlobalOrder: c, CreatedAt: base, UpdatedAt: at(c),
		})
		for v := 1; v <= 2; v++ {
			id := fmt.Sprintf("v-%d-%d", c, v)
			src.MustPut(model.TableVerses, model.Verse{
				ID: id, ChapterID: fmt.Sprintf("ch-%d", c), VerseNumber: v, GlobalOrder: c*10 + v,
				CreatedAt: base, UpdatedAt: at(c*10 + v),
			})
			src.MustPut(model.TableVerseTexts, model.VerseText{
				ID: "t-" + id, VerseID: id, TextVersionID: strPtr("kjv"), VerseText: "text " + id,
				PublishStatus: "published", Version: 1, CreatedAt: base, UpdatedAt: at(c*10 + v),
			})
		}
	}
	src.MustPut(model.TableMediaFiles, model.MediaFile{
		ID: "mf-1", LanguageEntityID: "lang-en", SequenceID: "seq-1", ChapterID: strPtr("ch-1"),
		MediaType: "audio", PublishStatus: "published", Version: 1, CreatedAt: base, UpdatedAt: at(1),
	})
	src.MustPut(model.TableMediaFileVerses, model.MediaFileVerse{
		ID: "mfv-1", MediaFileID: "mf-1", VerseID: "v-1-1", StartTimeSeconds: 0, DurationSeconds: 4.5,
		CreatedAt: base, UpdatedAt: at(1),
	})
}

func TestServiceSyncAllParentFirst(t *testing.T) {
	ctx := context.Background()
	db := newManager(t)
	src := remotetest.NewMemorySource()
	seedCanon(src)

	cfg := testConfig()
	cfg.Tables = []string{model.TableVerses, model.TableBooks, model.TableChapters,
		model.TableVerseTexts, model.TableLanguageEntities, model.TableMediaFiles, model.TableMediaFileVerses}
	svc, err := NewService(db, src, cfg, nil)
	require.NoError(t, err)
	defer svc.Close()
	require.Equal(t, model.SyncedTables, svc.Tables())

	var seen []string
	svc.OnSync(func(r SyncResult) { seen = append(seen, r.TableName) })

	results, err := svc.SyncAll(ctx, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, results, len(model.SyncedTables))
	require.Equal(t, model.SyncedTables, seen)

	require.Equal(t, 2, count(t, db, model.TableBooks))
	require.Equal(t, 3, count(t, db, model.TableChapters))
	require.Equal(t, 6, count(t, db, model.TableVerses))
	require.Equal(t, 6, count(t, db, model.TableVerseTexts))
	require.Equal(t, 1, count(t, db, model.TableMediaFileVerses))

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, len(model.SyncedTables))
	for _, s := range status {
		require.Equal(t, model.SyncIdle, s.SyncStatus, s.TableName)
		require.NotNil(t, s.LastSync, s.TableName)
	}
}

func TestServiceSyncAllContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	db := newManager(t)
	src := remotetest.NewMemorySource()
	seedCanon(src)
	src.FailNext(errors.New("language tree unavailable"))

	svc, err := NewService(db, src, testConfig(), nil)
	require.NoError(t, err)
	defer svc.Close()

	results, err := svc.SyncAll(ctx, SyncOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "language_entities")
	require.Len(t, results, len(model.SyncedTables))
	require.False(t, results[0].Success)
	for _, r := range results[1:] {
		require.True(t, r.Success, r.TableName)
	}
	require.Equal(t, model.SyncError, metadata(t, db, model.TableLanguageEntities).SyncStatus)
}

func TestServiceSyncTableUnknown(t *testing.T) {
	db := newManager(t)
	svc, err := NewService(db, remotetest.NewMemorySource(), testConfig(), nil)
	require.NoError(t, err)
	_, err = svc.SyncTable(context.Background(), "users", SyncOptions{})
	require.ErrorIs(t, err, ErrUnknownTable)

	cfg := testConfig()
	cfg.Tables = []string{"users"}
	_, err = NewService(db, remotetest.NewMemorySource(), cfg, nil)
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestServiceBackgroundLoop(t *testing.T) {
	db := newManager(t)
	src := remotetest.NewMemorySource()
	seedCanon(src)

	cfg := testConfig()
	cfg.Interval = 20 * time.Millisecond
	cfg.BackoffMin = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	svc, err := NewService(db, src, cfg, nil)
	require.NoError(t, err)
	defer svc.Close()

	var mu sync.Mutex
	rounds := 0
	svc.OnSync(func(r SyncResult) {
		if r.TableName == model.TableMediaFileVerses {
			mu.Lock()
			rounds++
			mu.Unlock()
		}
	})
	roundCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return rounds
	}

	// First round fails and is retried after backoff
	src.FailNext(&remote.FetchError{Table: model.TableLanguageEntities, StatusCode: 400})
	require.NoError(t, svc.Start(context.Background()))
	require.Error(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool { return roundCount() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 6, count(t, db, model.TableVerses))
	require.Equal(t, model.SyncIdle, metadata(t, db, model.TableLanguageEntities).SyncStatus)

	svc.Pause()
	time.Sleep(200 * time.Millisecond) // let an in-flight round drain
	paused := roundCount()
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, paused, roundCount())

	svc.Resume()
	svc.Trigger()
	require.Eventually(t, func() bool { return roundCount() > paused }, 5*time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop()
	require.False(t, svc.IsSyncing())
}

func TestSyncOverPostgRESTServer(t *testing.T) {
	ctx := context.Background()
	src := remotetest.NewMemorySource()
	same := base.Add(time.Hour)
	var rows []any
	for i := 1; i <= 9; i++ {
		rows = append(rows, book(i, same))
	}
	src.MustPut(model.TableBooks, rows...)

	jwtAuth := remotetest.NewJWTAuth("secret")
	srv := httptest.NewServer(remotetest.NewServer(src, jwtAuth, nil))
	defer srv.Close()

	tokens := remote.NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		return jwtAuth.GenerateToken("device", "anon", time.Hour)
	}, time.Minute)
	client, err := remote.NewPostgRESTSource(remote.PostgRESTConfig{BaseURL: srv.URL, APIKey: "anon-key", Tokens: tokens}, nil)
	require.NoError(t, err)

	db := newManager(t)
	cfg := testConfig()
	cfg.Tables = []string{model.TableBooks}
	svc, err := NewService(db, client, cfg, nil)
	require.NoError(t, err)
	defer svc.Close()

	res, err := svc.SyncTable(ctx, model.TableBooks, SyncOptions{BatchSize: 4})
	require.NoError(t, err)
	require.Equal(t, 9, res.RecordsSynced)
	require.Equal(t, 3, res.Pages)
	require.Equal(t, 9, count(t, db, model.TableBooks))
	require.Equal(t, "book-0009", metadata(t, db, model.TableBooks).LastID)
}
