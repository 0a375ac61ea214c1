package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/trawlerhq/trawler/internal/trawler"
)

var cacheCols = []string{
	"key", "url", "value", "data_type", "expires_at", "access_count", "created_at", "last_accessed",
}

func TestCacheEntryRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	expires := now.Add(time.Hour)
	entry := &trawler.CacheEntry{
		Key:          "abc123",
		URL:          "https://example.com",
		Value:        []byte(`{"title":"x"}`),
		DataType:     "scrape_result",
		ExpiresAt:    &expires,
		CreatedAt:    now,
		LastAccessed: now,
	}

	mock.ExpectExec("INSERT INTO cache_entries").
		WithArgs(entry.Key, entry.URL, []byte(entry.Value), entry.DataType, &expires, 0, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.PutEntry(context.Background(), entry))

	mock.ExpectQuery("SELECT (.+) FROM cache_entries WHERE key").
		WithArgs("abc123").
		WillReturnRows(pgxmock.NewRows(cacheCols).AddRow(
			"abc123", "https://example.com", []byte(`{"title":"x"}`), "scrape_result",
			&expires, 0, now, now,
		))
	got, err := store.GetEntry(context.Background(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.JSONEq(t, `{"title":"x"}`, string(got.Value))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheGetEntryMiss(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM cache_entries WHERE key").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(cacheCols))

	got, err := store.GetEntry(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheDeleteExpired(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM cache_entries WHERE expires_at IS NOT NULL").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	removed, err := store.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 4, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStats(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"count", "expired"}).AddRow(int64(10), int64(3)))

	stats, err := store.Stats(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 10, stats.Entries)
	require.EqualValues(t, 3, stats.Expired)
	require.NoError(t, mock.ExpectationsWereMet())
}
