// Package syncstate persists the pull cursor, sync timestamps, the conflict
// audit log and per-entity version bookkeeping.
package syncstate

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/agentworkforce/nexussync/internal/jsonvalue"
	"github.com/agentworkforce/nexussync/internal/statestore"
)

const MaxConflictEntries = 100

type State struct {
	LastPullVersion    int64      `json:"last_pull_version"`
	LastPushAt         *time.Time `json:"last_push_at,omitempty"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	PendingChangeCount int        `json:"pending_change_count"`
}

// ConflictEntry is diagnostic only and is never replayed.
type ConflictEntry struct {
	ID         string           `json:"id"`
	Date       time.Time        `json:"date"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Resolution string           `json:"resolution"`
	ServerData jsonvalue.Object `json:"server_data,omitempty"`
	ClientData jsonvalue.Object `json:"client_data,omitempty"`
}

type Store struct {
	backend statestore.Backend
	now     func() time.Time

	mu        sync.Mutex
	state     State
	conflicts []ConflictEntry
}

func NewStore(backend statestore.Backend, now func() time.Time) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	s := &Store{backend: backend, now: now}
	if _, err := statestore.LoadJSON(backend, statestore.DocSyncState, &s.state); err != nil {
		return nil, err
	}
	if _, err := statestore.LoadJSON(backend, statestore.DocConflictLog, &s.conflicts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) LastPullVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastPullVersion
}

// AdvanceCursor moves the cursor forward; a lower version is ignored.
func (s *Store) AdvanceCursor(version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.state.LastPullVersion {
		return s.state.LastPullVersion, nil
	}
	return version, s.mutateLocked(func(st *State) { st.LastPullVersion = version })
}

func (s *Store) RecordPush(pending int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now().UTC()
	return s.mutateLocked(func(st *State) {
		st.LastPushAt = &at
		st.PendingChangeCount = pending
	})
}

func (s *Store) RecordSync(pending int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now().UTC()
	return s.mutateLocked(func(st *State) {
		st.LastSyncAt = &at
		st.PendingChangeCount = pending
	})
}

func (s *Store) SetPendingCount(pending int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.PendingChangeCount == pending {
		return nil
	}
	return s.mutateLocked(func(st *State) { st.PendingChangeCount = pending })
}

// AppendConflict records an entry, evicting the oldest beyond MaxConflictEntries.
func (s *Store) AppendConflict(entry ConflictEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.Must(uuid.NewV4()).String()
	}
	if entry.Date.IsZero() {
		entry.Date = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.conflicts
	next := make([]ConflictEntry, 0, len(previous)+1)
	next = append(next, previous...)
	next = append(next, entry)
	if over := len(next) - MaxConflictEntries; over > 0 {
		next = next[over:]
	}
	s.conflicts = next
	if err := statestore.SaveJSON(s.backend, statestore.DocConflictLog, s.conflicts); err != nil {
		s.conflicts = previous
		return err
	}
	return nil
}

// Conflicts returns the log oldest first.
func (s *Store) Conflicts() []ConflictEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConflictEntry, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

func (s *Store) ClearConflicts() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.conflicts
	s.conflicts = []ConflictEntry{}
	if err := statestore.SaveJSON(s.backend, statestore.DocConflictLog, s.conflicts); err != nil {
		s.conflicts = previous
		return err
	}
	return nil
}

func (s *Store) mutateLocked(fn func(*State)) error {
	next := s.state
	fn(&next)
	if err := statestore.SaveJSON(s.backend, statestore.DocSyncState, next); err != nil {
		return err
	}
	s.state = next
	return nil
}
