package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SPRIME01/homelab-infra/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backends returns every store implementation under test, each on fresh
// temporary storage.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "responder.db"), testLogger())
	require.NoError(t, err)

	return map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func newTestAction(t *testing.T, eventID string, requiresVerification bool) *model.ActionRecord {
	t.Helper()
	rec, err := model.NewActionRecord(eventID, model.ActionKindBlockSource,
		model.BlockSourceParams{SourceIdentifier: "203.0.113.9", DurationSeconds: 3600},
		requiresVerification)
	require.NoError(t, err)
	return rec
}

func TestEventRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			event := model.NewEvent(model.EventKindSuspiciousSource, "ids",
				map[string]any{"source_identifier": "203.0.113.9"}, 85)
			require.NoError(t, st.PutEvent(ctx, event))

			got, err := st.GetEvent(ctx, event.ID)
			require.NoError(t, err)
			assert.Equal(t, event.ID, got.ID)
			assert.Equal(t, event.Kind, got.Kind)
			assert.Equal(t, event.Severity, got.Severity)
			assert.Equal(t, "203.0.113.9", got.Details["source_identifier"])
		})
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			_, err := st.GetEvent(ctx, "no-such-id")
			assert.ErrorIs(t, err, model.ErrNotFound)

			_, err = st.GetAction(ctx, "no-such-id")
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestUpdateEventAppendsActionLog(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			event := model.NewEvent(model.EventKindSuspiciousSource, "ids", nil, 85)
			require.NoError(t, st.PutEvent(ctx, event))

			updated, err := st.UpdateEvent(ctx, event.ID, func(ev *model.Event) error {
				ev.Status = model.EventStatusProcessed
				ev.ActionLog = append(ev.ActionLog, model.ActionLogEntry{
					ActionID:   "a1",
					ActionKind: model.ActionKindBlockSource,
					Status:     model.ActionStatusCompleted,
					Result:     "blocked",
				})
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, model.EventStatusProcessed, updated.Status)

			got, err := st.GetEvent(ctx, event.ID)
			require.NoError(t, err)
			require.Len(t, got.ActionLog, 1)
			assert.Equal(t, "blocked", got.ActionLog[0].Result)
		})
	}
}

func TestUpdateActionMutateErrorAborts(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			rec := newTestAction(t, "ev1", true)
			require.NoError(t, st.PutAction(ctx, rec))

			// First verification wins.
			_, err := st.UpdateAction(ctx, rec.ID, func(a *model.ActionRecord) error {
				if a.Status != model.ActionStatusPending {
					return fmt.Errorf("action is %s: %w", a.Status, model.ErrInvalidState)
				}
				a.Status = model.ActionStatusInProgress
				return nil
			})
			require.NoError(t, err)

			// Second verification observes in_progress and must fail without
			// touching the record.
			_, err = st.UpdateAction(ctx, rec.ID, func(a *model.ActionRecord) error {
				if a.Status != model.ActionStatusPending {
					return fmt.Errorf("action is %s: %w", a.Status, model.ErrInvalidState)
				}
				a.Status = model.ActionStatusRejected
				return nil
			})
			assert.ErrorIs(t, err, model.ErrInvalidState)

			got, err := st.GetAction(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ActionStatusInProgress, got.Status)
		})
	}
}

func TestListPendingActions(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			deferred := newTestAction(t, "ev1", true)
			require.NoError(t, st.PutAction(ctx, deferred))

			auto := newTestAction(t, "ev1", false)
			auto.Status = model.ActionStatusInProgress
			require.NoError(t, st.PutAction(ctx, auto))

			done := newTestAction(t, "ev2", true)
			done.Status = model.ActionStatusCompleted
			require.NoError(t, st.PutAction(ctx, done))

			pending, err := st.ListPendingActions(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, deferred.ID, pending[0].ID)
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			event := model.NewEvent(model.EventKindSuspiciousSource, "ids", nil, 50)
			require.NoError(t, st.PutEvent(ctx, event))
			require.NoError(t, st.DeleteEvent(ctx, event.ID))
			require.NoError(t, st.DeleteEvent(ctx, event.ID))

			_, err := st.GetEvent(ctx, event.ID)
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestListEventsSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	st, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		event := model.NewEvent(model.EventKindSuspiciousSource, "ids", nil, 50+i)
		require.NoError(t, st.PutEvent(ctx, event))
	}
	require.NoError(t, st.Close())

	// A fresh store over the same directory must see the same records,
	// verification state is durable across process restarts.
	reopened, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.ListEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestFileStoreReclaimsAbandonedLock(t *testing.T) {
	ctx := context.Background()
	cases := map[string]string{
		"dead pid": "1073741824\n",
		"garbage":  "not a pid\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			st, err := NewFileStore(root, testLogger())
			require.NoError(t, err)
			defer st.Close()

			event := model.NewEvent(model.EventKindSuspiciousSource, "ids", nil, 85)
			require.NoError(t, st.PutEvent(ctx, event))

			// A crashed process left its lock file behind.
			lockPath := filepath.Join(root, eventsDir, event.ID+".json.lock")
			require.NoError(t, os.WriteFile(lockPath, []byte(contents), 0o644))

			got, err := st.UpdateEvent(ctx, event.ID, func(ev *model.Event) error {
				ev.Status = model.EventStatusProcessed
				return nil
			})
			require.NoError(t, err, "an abandoned lock must not wedge later updates")
			assert.Equal(t, model.EventStatusProcessed, got.Status)
			assert.NoFileExists(t, lockPath)
		})
	}
}

func TestFileStoreReclaimsAgedLock(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := NewFileStore(root, testLogger())
	require.NoError(t, err)
	defer st.Close()

	event := model.NewEvent(model.EventKindSuspiciousSource, "ids", nil, 85)
	require.NoError(t, st.PutEvent(ctx, event))

	// The holder is this very process, so liveness alone would keep the lock;
	// the age bound must reclaim it anyway.
	lockPath := filepath.Join(root, eventsDir, event.ID+".json.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644))
	old := time.Now().Add(-2 * lockStaleAge)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	_, err = st.UpdateEvent(ctx, event.ID, func(ev *model.Event) error { return nil })
	require.NoError(t, err)
}

func TestActionParamsSurviveRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			rec, err := model.NewActionRecord("ev1", model.ActionKindRotateCredential,
				model.RotateCredentialParams{
					CredentialType: "api_key",
					Identifier:     "deploy-bot",
					Metadata:       map[string]any{"service": "gitea"},
				}, true)
			require.NoError(t, err)
			require.NoError(t, st.PutAction(ctx, rec))

			got, err := st.GetAction(ctx, rec.ID)
			require.NoError(t, err)

			var params model.RotateCredentialParams
			require.NoError(t, got.DecodeParams(&params))
			assert.Equal(t, "api_key", params.CredentialType)
			assert.Equal(t, "deploy-bot", params.Identifier)
			assert.Equal(t, "gitea", params.Metadata["service"])
		})
	}
}
