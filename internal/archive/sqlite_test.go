package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abid-rules-server/internal/domain"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "workups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleWorkup(session string) *domain.Workup {
	result := domain.NewABIDResult(session)
	result.RuledOut = []string{"D", "C"}
	result.Matches = []string{"K"}
	result.RuledOutDetails["D"] = []domain.RuledOutDetail{{AntigramID: 1, LotNumber: "L1", CellNumber: 3, RuleType: "single"}}
	return &domain.Workup{
		SessionID:            session,
		SpecimenRef:          "SPM-001",
		IdentifiedAntibodies: []string{"anti-K"},
		Notes:                "auto control negative",
		PerformedBy:          "tech1",
		Result:               result,
	}
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "workups.db")

	store, err := NewSQLiteStore(dbPath)

	require.NoError(t, err)
	defer store.Close()
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	w := sampleWorkup("s1")
	require.NoError(t, store.Save(ctx, w))
	assert.NotEmpty(t, w.ID, "ID should be assigned")
	assert.False(t, w.CreatedAt.IsZero())

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "SPM-001", got.SpecimenRef)
	assert.Equal(t, []string{"anti-K"}, got.IdentifiedAntibodies)
	assert.Equal(t, w.Result.RuledOut, got.Result.RuledOut)
	assert.Equal(t, w.Result.RuledOutDetails, got.Result.RuledOutDetails)
}

func TestSQLiteStore_SaveUpdateKeepsCreatedAt(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	w := sampleWorkup("s1")
	require.NoError(t, store.Save(ctx, w))
	created := w.CreatedAt

	w.IdentifiedAntibodies = []string{"anti-K", "anti-E"}
	w.CreatedAt = time.Time{}
	require.NoError(t, store.Save(ctx, w))

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"anti-K", "anti-E"}, got.IdentifiedAntibodies)
	assert.True(t, created.Equal(got.CreatedAt))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLiteStore_SaveValidation(t *testing.T) {
	store := createTestStore(t)

	err := store.Save(context.Background(), &domain.Workup{SessionID: "s"})
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))
}

func TestSQLiteStore_GetAndDeleteMissing(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.True(t, errors.Is(store.Delete(ctx, "missing"), domain.ErrNotFound))
}

func TestSQLiteStore_ListNewestFirst(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, session := range []string{"a", "b", "c"} {
		w := sampleWorkup(session)
		w.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Save(ctx, w))
	}

	list, err := store.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].SessionID)
	assert.Equal(t, "b", list[1].SessionID)

	rest, err := store.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].SessionID)
}

func TestSQLiteStore_ExportImport(t *testing.T) {
	source := createTestStore(t)
	ctx := context.Background()

	first := sampleWorkup("a")
	require.NoError(t, source.Save(ctx, first))
	require.NoError(t, source.Save(ctx, sampleWorkup("b")))

	var buf bytes.Buffer
	require.NoError(t, source.ExportJSON(ctx, &buf))
	assert.Contains(t, buf.String(), `"version": "1.0"`)

	target := createTestStore(t)
	require.NoError(t, target.Save(ctx, sampleWorkupWithID(first.ID)))

	imported, skipped, err := target.ImportJSON(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, skipped)

	count, err := target.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSQLiteStore_ImportRejectsGarbage(t *testing.T) {
	store := createTestStore(t)

	_, _, err := store.ImportJSON(context.Background(), bytes.NewBufferString("not json"))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	store, err := Open(domain.ArchiveConfig{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "a.db")}, "")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	store.Close()

	_, err = Open(domain.ArchiveConfig{Driver: "mongo"}, "")
	assert.Error(t, err)
}

func sampleWorkupWithID(id string) *domain.Workup {
	w := sampleWorkup("existing")
	w.ID = id
	return w
}
