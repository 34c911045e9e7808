package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

func newTestStore(t *testing.T, driver string) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(driver, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func pendingRun(id, project string, created time.Time) *domain.RunRecord {
	return &domain.RunRecord{
		ID:        id,
		ProjectID: project,
		Value:     "build a todo app",
		BaseFiles: map[string]string{"package.json": "{}"},
		Framework: "nextjs",
		Status:    domain.RunStatusPending,
		CreatedAt: created,
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewSQLiteStore("postgres", "x")
	assert.Error(t, err)
}

func TestRunLifecycle(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, driver)
			require.NoError(t, s.Ping(ctx))

			base := time.UnixMilli(1_700_000_000_000)
			require.NoError(t, s.CreateRun(ctx, pendingRun("r2", "p1", base.Add(time.Second))))
			require.NoError(t, s.CreateRun(ctx, pendingRun("r1", "p1", base)))
			require.NoError(t, s.CreateRun(ctx, pendingRun("r3", "p2", base)))

			pending, err := s.ListPendingRuns(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "r1", pending[0].ID)
			assert.Equal(t, "r2", pending[1].ID)
			assert.Equal(t, map[string]string{"package.json": "{}"}, pending[0].BaseFiles)

			ok, err := s.ClaimRun(ctx, "r1", "exec-a", base.Add(2*time.Second))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.ClaimRun(ctx, "r1", "exec-b", base.Add(3*time.Second))
			require.NoError(t, err)
			assert.False(t, ok)

			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, run)
			assert.Equal(t, domain.RunStatusClaimed, run.Status)
			assert.Equal(t, "exec-a", run.ExecutorID)
			require.NotNil(t, run.ClaimedAt)
			assert.True(t, run.ClaimedAt.Equal(base.Add(2*time.Second)))

			ok, err = s.FinishRun(ctx, "r1", domain.RunStatusCompleted, []byte(`{"ok":true}`), "", base.Add(4*time.Second))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.FinishRun(ctx, "r1", domain.RunStatusFailed, nil, "late", base.Add(5*time.Second))
			require.NoError(t, err)
			assert.False(t, ok)

			run, err = s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusCompleted, run.Status)
			assert.JSONEq(t, `{"ok":true}`, string(run.Result))
			require.NotNil(t, run.CompletedAt)

			_, err = s.FinishRun(ctx, "r2", domain.RunStatusClaimed, nil, "", base)
			assert.Error(t, err)

			missing, err := s.GetRun(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestListExpiredClaims(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DriverCGO)
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.CreateRun(ctx, pendingRun("old", "p1", base)))
	require.NoError(t, s.CreateRun(ctx, pendingRun("fresh", "p1", base)))
	_, err := s.ClaimRun(ctx, "old", "e", base)
	require.NoError(t, err)
	_, err = s.ClaimRun(ctx, "fresh", "e", base.Add(time.Hour))
	require.NoError(t, err)

	expired, err := s.ListExpiredClaims(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
}

func TestFragments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DriverPureGo)
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.CreateFragment(ctx, &domain.Fragment{
		ID: "f1", ProjectID: "p1", GenerationID: "g1", Summary: "first",
		Files: map[string]string{"a.ts": "a"}, Validated: true, CreatedAt: base,
	}))
	require.NoError(t, s.CreateFragment(ctx, &domain.Fragment{
		ID: "f2", ProjectID: "p1", GenerationID: "g2", RunID: "r1", SandboxID: "sb1", Summary: "second",
		Files: map[string]string{"b.ts": "b"}, CreatedAt: base.Add(time.Second),
	}))

	fragments, err := s.ListFragments(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, fragments, 2)
	assert.Equal(t, "f2", fragments[0].ID)
	assert.Equal(t, "r1", fragments[0].RunID)
	assert.False(t, fragments[0].Validated)
	assert.True(t, fragments[1].Validated)
	assert.Equal(t, map[string]string{"a.ts": "a"}, fragments[1].Files)

	limited, err := s.ListFragments(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DriverCGO)

	for i := int64(1); i <= 3; i++ {
		payload, _ := json.Marshal(domain.TextEvent("chunk"))
		require.NoError(t, s.CreateEvent(ctx, &domain.Event{
			EventID:      "e" + string(rune('0'+i)),
			GenerationID: "g1",
			Seq:          i,
			Ts:           1000 + i,
			Type:         domain.EventTypeText,
			Payload:      payload,
		}))
	}

	events, err := s.GetEvents(ctx, "g1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, domain.EventTypeText, events[1].Type)

	// seq is unique per generation.
	err = s.CreateEvent(ctx, &domain.Event{EventID: "dup", GenerationID: "g1", Seq: 2, Type: domain.EventTypeText})
	assert.Error(t, err)
}
