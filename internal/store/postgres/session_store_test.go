package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/trawlerhq/trawler/internal/trawler"
)

func TestPutSessionUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	session := &trawler.Session{
		ID:           "s1",
		Config:       trawler.DefaultSessionConfig(),
		CreatedAt:    now,
		LastAccessed: now,
		PageCount:    2,
		IsActive:     true,
		StateData:    map[string]any{"cookie": "v"},
	}
	configJSON, err := json.Marshal(session.Config)
	require.NoError(t, err)
	stateJSON, err := json.Marshal(session.StateData)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", configJSON, now, now, 2, true, stateJSON).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.PutSession(context.Background(), session))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionDecodesJSON(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	cols := []string{"id", "config", "created_at", "last_accessed", "page_count", "is_active", "state_data"}

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"s1", []byte(`{"browser_type":"chromium","headless":true}`), now, now, 3, true, []byte(`{"cookie":"v"}`),
		))

	got, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "chromium", got.Config.BrowserType)
	require.Equal(t, "v", got.StateData["cookie"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredSessionsUsesCutoff(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM sessions WHERE last_accessed").
		WithArgs(now.Add(-30 * time.Minute)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	removed, err := store.DeleteExpiredSessions(context.Background(), now, 30*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
