package service

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abid-rules-server/internal/archive"
	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/events"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []events.WorkupEvent
	err    error
}

func (r *recordingEvents) Publish(_ context.Context, e events.WorkupEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingEvents) Close() error { return nil }

func newWorkupService(t *testing.T, f *fixture, pub events.Publisher) *WorkupService {
	t.Helper()
	store, err := archive.NewSQLiteStore(filepath.Join(t.TempDir(), "workups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewWorkupService(f.abidSvc, store, pub, logger)
}

func TestWorkupService_SaveWorkup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedPanel(t, "LOT-1")
	pub := &recordingEvents{}
	svc := newWorkupService(t, f, pub)

	_, err := f.ruleSvc.CreateRule(ctx, RuleDefinition{
		TargetAntigen: "K",
		RuleType:      domain.RuleSingle,
		RuleData:      rawJSON(t, map[string]any{"antigens": []string{"K"}}),
	})
	require.NoError(t, err)
	_, err = f.reactionSvc.RecordReaction(ctx, "s1", a.ID, 1, "0")
	require.NoError(t, err)

	w, conflicts, err := svc.SaveWorkup(ctx, "s1", WorkupRequest{
		SpecimenRef:          " SPM-9 ",
		IdentifiedAntibodies: []string{"anti-K", "anti-E", "anti-K"},
		PerformedBy:          "tech1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, "SPM-9", w.SpecimenRef)
	assert.Equal(t, []string{"anti-K", "anti-E"}, w.IdentifiedAntibodies)
	assert.Equal(t, []string{"anti-K"}, conflicts)
	assert.Equal(t, []string{"K"}, w.Result.RuledOut)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.WorkupSaved, pub.events[0].Type)
	assert.Equal(t, w.ID, pub.events[0].WorkupID)

	got, err := svc.GetWorkup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	_, _, err = svc.SaveWorkup(ctx, "s1", WorkupRequest{IdentifiedAntibodies: []string{" "}})
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))
}

func TestWorkupService_EventFailureDoesNotFailSave(t *testing.T) {
	f := newFixture(t)
	svc := newWorkupService(t, f, &recordingEvents{err: errors.New("broker down")})

	w, _, err := svc.SaveWorkup(context.Background(), "", WorkupRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSessionID, w.SessionID)
}

func TestWorkupService_ListDeleteExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub := &recordingEvents{}
	svc := newWorkupService(t, f, pub)

	first, _, err := svc.SaveWorkup(ctx, "a", WorkupRequest{})
	require.NoError(t, err)
	_, _, err = svc.SaveWorkup(ctx, "b", WorkupRequest{})
	require.NoError(t, err)

	list, total, err := svc.ListWorkups(ctx, 0, -1)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, int64(2), total)

	require.NoError(t, svc.DeleteWorkup(ctx, first.ID))
	assert.True(t, errors.Is(svc.DeleteWorkup(ctx, first.ID), domain.ErrNotFound))
	assert.Equal(t, events.WorkupDeleted, pub.events[len(pub.events)-1].Type)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportWorkups(ctx, &buf))
	assert.Contains(t, buf.String(), `"count": 1`)
}
