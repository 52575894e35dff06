package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/jsonvalue"
	"github.com/agentworkforce/nexussync/internal/nexus"
	"github.com/agentworkforce/nexussync/internal/statestore"
)

func change(entityID string, version int64, name string) QueuedChange {
	return QueuedChange{
		EntityType:   "patient",
		EntityID:     entityID,
		PatientID:    entityID,
		DataCategory: "clinical",
		Operation:    nexus.OperationUpdate,
		Version:      version,
		Data:         jsonvalue.Object{"firstname": jsonvalue.String(name)},
	}
}

type failingBackend struct {
	statestore.Backend
	fail bool
}

func (b *failingBackend) Save(name string, data []byte) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.Backend.Save(name, data)
}

func TestEnqueueKeepsOnlyLatestPerEntity(t *testing.T) {
	q, err := New(statestore.NewMemoryBackend(), nil)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(change("p-1", int64(i), fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, q.Enqueue(change("p-2", 1, "other")))

	pending := q.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, "p-1", pending[0].EntityID)
	require.EqualValues(t, 5, pending[0].Version)
	require.Equal(t, "v5", pending[0].Data.String("firstname"))
	require.NotEmpty(t, pending[0].ID)
	require.False(t, pending[0].QueuedAt.IsZero())
}

func TestEnqueueAllDeduplicatesWithinBatch(t *testing.T) {
	q, err := New(statestore.NewMemoryBackend(), nil)
	require.NoError(t, err)
	require.NoError(t, q.EnqueueAll([]QueuedChange{change("a", 1, "x"), change("b", 1, "y"), change("a", 2, "z")}))
	pending := q.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, "b", pending[0].EntityID)
	require.Equal(t, "z", pending[1].Data.String("firstname"))
}

func TestRequeueNeverDiscardsWritesAfterSnapshot(t *testing.T) {
	q, err := New(statestore.NewMemoryBackend(), nil)
	require.NoError(t, err)
	require.NoError(t, q.EnqueueAll([]QueuedChange{change("a", 1, "old-a"), change("b", 1, "old-b")}))

	batch, err := q.DequeueAll()
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Zero(t, q.Len())

	require.NoError(t, q.Enqueue(change("a", 2, "new-a")))
	require.NoError(t, q.Enqueue(change("c", 1, "new-c")))

	require.NoError(t, q.Requeue(batch))

	byID := map[string]QueuedChange{}
	for _, item := range q.Pending() {
		byID[item.EntityID] = item
	}
	require.Len(t, byID, 3)
	require.Equal(t, "new-a", byID["a"].Data.String("firstname"), "newer local write must survive requeue")
	require.Equal(t, "old-b", byID["b"].Data.String("firstname"))
	require.Equal(t, "new-c", byID["c"].Data.String("firstname"))
}

func TestConcurrentEnqueueDuringDequeueIsNotLost(t *testing.T) {
	q, err := New(statestore.NewMemoryBackend(), nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Enqueue(change(fmt.Sprintf("seed-%d", i), 1, "seed")))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = q.Enqueue(change(fmt.Sprintf("live-%d", i), 1, "live"))
		}
	}()
	var drained []QueuedChange
	for i := 0; i < 20; i++ {
		batch, err := q.DequeueAll()
		require.NoError(t, err)
		drained = append(drained, batch...)
	}
	wg.Wait()
	rest, err := q.DequeueAll()
	require.NoError(t, err)
	drained = append(drained, rest...)

	seen := map[string]int{}
	for _, item := range drained {
		seen[item.EntityID]++
	}
	require.Len(t, seen, 150)
	for id, n := range seen {
		require.Equal(t, 1, n, "entity %s drained more than once", id)
	}
}

func TestMarkSyncedRemovesAcknowledged(t *testing.T) {
	q, err := New(statestore.NewMemoryBackend(), nil)
	require.NoError(t, err)
	require.NoError(t, q.EnqueueAll([]QueuedChange{change("a", 1, "x"), change("b", 1, "y")}))
	require.NoError(t, q.MarkSynced([]string{"a", "missing"}))
	pending := q.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].EntityID)
}

func TestQueueSurvivesRestart(t *testing.T) {
	backend := statestore.NewFileBackend(filepath.Join(t.TempDir(), "state"))
	fixed := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	q, err := New(backend, func() time.Time { return fixed })
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(change("a", 3, "Anna")))

	reopened, err := New(backend, nil)
	require.NoError(t, err)
	pending := reopened.Pending()
	require.Len(t, pending, 1)
	require.EqualValues(t, 3, pending[0].Version)
	require.True(t, pending[0].QueuedAt.Equal(fixed))
	require.Equal(t, "Anna", pending[0].Data.String("firstname"))
}

func TestFailedPersistenceRollsBack(t *testing.T) {
	backend := &failingBackend{Backend: statestore.NewMemoryBackend()}
	q, err := New(backend, nil)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(change("a", 1, "x")))

	backend.fail = true
	require.Error(t, q.Enqueue(change("b", 1, "y")))
	_, err = q.DequeueAll()
	require.Error(t, err)
	require.Equal(t, 1, q.Len(), "in-memory state must match the last persisted state")
}

func TestEnqueueValidates(t *testing.T) {
	q, err := New(statestore.NewMemoryBackend(), nil)
	require.NoError(t, err)
	bad := change("", 1, "x")
	require.True(t, errors.Is(q.Enqueue(bad), errs.ErrInvalidInput))
	bad = change("a", 1, "x")
	bad.Operation = "merge"
	require.True(t, errors.Is(q.Enqueue(bad), errs.ErrInvalidInput))
}

func TestPushChangeCarriesEnvelope(t *testing.T) {
	c := change("p-9", 7, "Anna")
	c.QueuedAt = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	pc := c.PushChange()
	require.Equal(t, "p-9", pc.EntityID)
	require.EqualValues(t, 7, pc.Version)
	require.True(t, pc.Timestamp.Equal(c.QueuedAt))
	require.True(t, pc.Data.Equal(c.Data))
}
