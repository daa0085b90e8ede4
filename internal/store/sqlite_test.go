package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

var _ Journal = (*SQLiteJournal)(nil)

func TestRecordAndListEvents(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	base := time.UnixMilli(1767225600000)

	require.NoError(t, j.RecordEvent(ctx, domain.Event{
		SessionID: "s1",
		Kind:      domain.EventSessionStarted,
		Status:    domain.StatusInProgress,
		Detail:    map[string]any{"goal": "Wash clothes"},
		CreatedAt: base,
	}))
	require.NoError(t, j.RecordEvent(ctx, domain.Event{
		SessionID: "s2",
		Kind:      domain.EventSessionStarted,
		Status:    domain.StatusNeedsInput,
		CreatedAt: base,
	}))
	require.NoError(t, j.RecordEvent(ctx, domain.Event{
		SessionID: "s1",
		Kind:      domain.EventStepVerified,
		Status:    domain.StatusVerifyStep,
		StepID:    "step-1",
		Detail:    map[string]any{"verdict": "fail", "attempts": 1},
		CreatedAt: base.Add(time.Second),
	}))

	events, err := j.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, domain.EventSessionStarted, events[0].Kind)
	assert.Equal(t, "Wash clothes", events[0].Detail["goal"])
	assert.Empty(t, events[0].StepID)
	assert.True(t, base.Equal(events[0].CreatedAt))

	assert.Equal(t, domain.EventStepVerified, events[1].Kind)
	assert.Equal(t, "step-1", events[1].StepID)
	assert.Equal(t, domain.StatusVerifyStep, events[1].Status)
	assert.InDelta(t, 1, events[1].Detail["attempts"], 0)
	assert.Greater(t, events[1].ID, events[0].ID)

	limited, err := j.ListEvents(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := j.ListEvents(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestPurgeBefore(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	base := time.UnixMilli(1767225600000)

	for i := 0; i < 4; i++ {
		require.NoError(t, j.RecordEvent(ctx, domain.Event{
			SessionID: "s1",
			Kind:      domain.EventFrameProcessed,
			Status:    domain.StatusInProgress,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	deleted, err := j.PurgeBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	events, err := j.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestConcurrentRecords(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Ping(ctx))

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			return j.RecordEvent(ctx, domain.Event{
				SessionID: fmt.Sprintf("s%d", i%2),
				Kind:      domain.EventFrameProcessed,
				Status:    domain.StatusInProgress,
			})
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range []string{"s0", "s1"} {
		events, err := j.ListEvents(ctx, id, 0)
		require.NoError(t, err)
		assert.Len(t, events, 10)
	}
}
