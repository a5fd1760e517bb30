package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abid-rules-server/internal/domain"
)

var workupColumns = []string{
	"id", "session_id", "specimen_ref", "identified_antibodies",
	"notes", "performed_by", "result", "created_at", "updated_at",
}

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock := setupMockStore(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO workups (.+) ON CONFLICT \\(id\\) DO UPDATE").
		WithArgs(sqlmock.AnyArg(), "s1", "SPM-001", `["anti-K"]`, "auto control negative", "tech1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	w := sampleWorkup("s1")
	require.NoError(t, store.Save(context.Background(), w))

	assert.NotEmpty(t, w.ID)
	assert.Equal(t, created, w.CreatedAt)
	assert.False(t, w.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now().UTC()

	result, err := json.Marshal(sampleWorkup("s1").Result)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM workups WHERE id = \\$1").
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows(workupColumns).
			AddRow("w1", "s1", "SPM-001", []byte(`["anti-K"]`), "", "tech1", result, now, now))

	got, err := store.Get(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, []string{"anti-K"}, got.IdentifiedAntibodies)
	assert.Equal(t, []string{"K"}, got.Result.Matches)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissing(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM workups WHERE id = \\$1").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM workups ORDER BY created_at DESC").
		WithArgs(10, 0).
		WillReturnRows(sqlmock.NewRows(workupColumns).
			AddRow("w2", "s2", "", []byte(`[]`), "", "", []byte(`{"session_id":"s2"}`), now, now).
			AddRow("w1", "s1", "", []byte(`[]`), "", "", []byte(`{"session_id":"s1"}`), now, now))

	list, err := store.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "w2", list[0].ID)
	assert.Equal(t, "s1", list[1].Result.SessionID)
}

func TestPostgresStore_CountAndDelete(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM workups").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("DELETE FROM workups WHERE id = \\$1").
		WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM workups WHERE id = \\$1").
		WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, store.Delete(ctx, "w1"))
	assert.True(t, errors.Is(store.Delete(ctx, "w1"), domain.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
