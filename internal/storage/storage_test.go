package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmctl/swarmctl/internal/storage"
)

func backends(t *testing.T) map[string]storage.Backend {
	t.Helper()
	doc, err := storage.OpenDocumentStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = doc.Close() })

	return map[string]storage.Backend{
		"memory":        storage.NewMemory(),
		"document_store": doc,
	}
}

func TestBackend_UpsertAndGetMany(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &storage.RequestRecord{
				RequestID:   "r1",
				ClientID:    "c1",
				SubmittedAt: time.Now().UTC().Truncate(time.Millisecond),
				Header:      []byte(`{"msg_id":"r1"}`),
				Status:      storage.StatusSubmitted,
				After:       []string{"r0"},
			}
			require.NoError(t, b.Upsert(ctx, rec))

			got, err := b.GetMany(ctx, []string{"r1", "missing"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "r1", got[0].RequestID)
			assert.Equal(t, []string{"r0"}, got[0].After)
		})
	}
}

func TestBackend_FindByEngineAndStatus(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Upsert(ctx, &storage.RequestRecord{
				RequestID: "r1", ClientID: "c1", EngineID: "e1",
				SubmittedAt: time.Now().UTC(), Header: []byte(`{}`), Status: storage.StatusRunning,
			}))
			require.NoError(t, b.Upsert(ctx, &storage.RequestRecord{
				RequestID: "r2", ClientID: "c1", EngineID: "e2",
				SubmittedAt: time.Now().UTC(), Header: []byte(`{}`), Status: storage.StatusCompleted,
			}))

			got, err := b.Find(ctx, storage.Selector{EngineID: "e1"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "r1", got[0].RequestID)

			got, err = b.Find(ctx, storage.Selector{Status: storage.StatusCompleted})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "r2", got[0].RequestID)
		})
	}
}

func TestBackend_UpdateStatusStampsCompletedAt(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Upsert(ctx, &storage.RequestRecord{
				RequestID: "r1", ClientID: "c1", SubmittedAt: time.Now().UTC(),
				Header: []byte(`{}`), Status: storage.StatusRunning,
			}))

			require.NoError(t, b.UpdateStatus(ctx, "r1", storage.StatusCompleted))

			got, err := b.GetMany(ctx, []string{"r1"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, storage.StatusCompleted, got[0].Status)
			assert.NotNil(t, got[0].CompletedAt)
		})
	}
}

func TestBackend_Drop(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Upsert(ctx, &storage.RequestRecord{
				RequestID: "r1", ClientID: "c1", SubmittedAt: time.Now().UTC(),
				Header: []byte(`{}`), Status: storage.StatusCompleted,
			}))
			require.NoError(t, b.Drop(ctx, []string{"r1"}))

			got, err := b.GetMany(ctx, []string{"r1"})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, storage.StatusCompleted.Terminal())
	assert.True(t, storage.StatusFailed.Terminal())
	assert.True(t, storage.StatusAborted.Terminal())
	assert.False(t, storage.StatusRunning.Terminal())
	assert.False(t, storage.StatusSubmitted.Terminal())
}
