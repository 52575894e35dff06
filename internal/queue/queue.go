// Package queue is the durable outbound queue of not-yet-acknowledged local changes.
//
// The queue holds at most one entry per entity: it records the latest local
// intent, not a history.
package queue

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/jsonvalue"
	"github.com/agentworkforce/nexussync/internal/nexus"
	"github.com/agentworkforce/nexussync/internal/statestore"
)

type QueuedChange struct {
	ID           string           `json:"id"`
	EntityType   string           `json:"entity_type"`
	EntityID     string           `json:"entity_id"`
	PatientID    string           `json:"patient_id,omitempty"`
	DataCategory string           `json:"data_category"`
	Data         jsonvalue.Object `json:"data"`
	Operation    nexus.Operation  `json:"operation"`
	Version      int64            `json:"version"`
	QueuedAt     time.Time        `json:"queued_at"`
}

func (c QueuedChange) validate() error {
	if strings.TrimSpace(c.EntityID) == "" {
		return fmt.Errorf("%w: queued change without entity id", errs.ErrInvalidInput)
	}
	if strings.TrimSpace(c.EntityType) == "" {
		return fmt.Errorf("%w: queued change %s without entity type", errs.ErrInvalidInput, c.EntityID)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: queued change %s has operation %q", errs.ErrInvalidInput, c.EntityID, c.Operation)
	}
	return nil
}

// PushChange converts the entry into its wire form.
func (c QueuedChange) PushChange() nexus.PushChange {
	return nexus.PushChange{
		DataCategory: c.DataCategory,
		EntityType:   c.EntityType,
		EntityID:     c.EntityID,
		PatientID:    c.PatientID,
		Operation:    c.Operation,
		Version:      c.Version,
		Data:         c.Data,
		Timestamp:    nexus.Timestamp{Time: c.QueuedAt},
	}
}

// Queue funnels every mutation through its own lock and persists it before returning.
type Queue struct {
	backend statestore.Backend
	now     func() time.Time

	mu    sync.Mutex
	items []QueuedChange
}

func New(backend statestore.Backend, now func() time.Time) (*Queue, error) {
	if backend == nil {
		return nil, errs.ErrInvalidInput
	}
	if now == nil {
		now = time.Now
	}
	q := &Queue{backend: backend, now: now, items: []QueuedChange{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue replaces any entry for the same entity with change.
func (q *Queue) Enqueue(change QueuedChange) error {
	return q.EnqueueAll([]QueuedChange{change})
}

func (q *Queue) EnqueueAll(changes []QueuedChange) error {
	if len(changes) == 0 {
		return nil
	}
	prepared := make([]QueuedChange, 0, len(changes))
	for _, change := range changes {
		if err := change.validate(); err != nil {
			return err
		}
		prepared = append(prepared, q.stamp(change))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	previous := q.items
	next := make([]QueuedChange, 0, len(previous)+len(prepared))
	next = append(next, previous...)
	for _, change := range prepared {
		next = removeEntity(next, change.EntityID)
		next = append(next, change)
	}
	q.items = next
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	return nil
}

// DequeueAll snapshots and empties the queue in one step.
func (q *Queue) DequeueAll() ([]QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	batch := q.items
	q.items = []QueuedChange{}
	if err := q.saveLocked(); err != nil {
		q.items = batch
		return nil, err
	}
	return batch, nil
}

// MarkSynced drops acknowledged entities.
func (q *Queue) MarkSynced(entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		drop[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	previous := q.items
	next := make([]QueuedChange, 0, len(previous))
	for _, item := range previous {
		if _, ok := drop[item.EntityID]; !ok {
			next = append(next, item)
		}
	}
	if len(next) == len(previous) {
		return nil
	}
	q.items = next
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	return nil
}

// Requeue restores entries from a failed batch. Entities written again since
// the batch was taken keep their newer entry.
func (q *Queue) Requeue(changes []QueuedChange) error {
	if len(changes) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	present := make(map[string]struct{}, len(q.items))
	for _, item := range q.items {
		present[item.EntityID] = struct{}{}
	}
	previous := q.items
	restored := make([]QueuedChange, 0, len(changes))
	for _, change := range changes {
		if _, ok := present[change.EntityID]; ok {
			continue
		}
		present[change.EntityID] = struct{}{}
		restored = append(restored, change)
	}
	if len(restored) == 0 {
		return nil
	}
	// restored entries predate anything enqueued since, so they go first
	next := make([]QueuedChange, 0, len(previous)+len(restored))
	next = append(next, restored...)
	next = append(next, previous...)
	q.items = next
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	return nil
}

func (q *Queue) Pending() []QueuedChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedChange, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) stamp(change QueuedChange) QueuedChange {
	if change.ID == "" {
		change.ID = uuid.Must(uuid.NewV4()).String()
	}
	if change.QueuedAt.IsZero() {
		change.QueuedAt = q.now().UTC()
	}
	change.Data = change.Data.Clone()
	return change
}

func (q *Queue) load() error {
	var items []QueuedChange
	if _, err := statestore.LoadJSON(q.backend, statestore.DocOutboundQueue, &items); err != nil {
		return err
	}
	// collapse duplicates a foreign writer may have left, keeping the last
	deduped := make([]QueuedChange, 0, len(items))
	for _, item := range items {
		deduped = removeEntity(deduped, item.EntityID)
		deduped = append(deduped, item)
	}
	q.items = deduped
	return nil
}

func (q *Queue) saveLocked() error {
	return statestore.SaveJSON(q.backend, statestore.DocOutboundQueue, q.items)
}

func removeEntity(items []QueuedChange, entityID string) []QueuedChange {
	out := items[:0:0]
	for _, item := range items {
		if item.EntityID != entityID {
			out = append(out, item)
		}
	}
	return out
}
