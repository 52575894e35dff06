package syncstate

import (
	"sync"

	"github.com/agentworkforce/nexussync/internal/statestore"
)

// Versions tracks the last known version of each entity.
type Versions struct {
	backend statestore.Backend

	mu       sync.Mutex
	versions map[string]int64
}

func NewVersions(backend statestore.Backend) (*Versions, error) {
	v := &Versions{backend: backend, versions: map[string]int64{}}
	if _, err := statestore.LoadJSON(backend, statestore.DocEntityVersions, &v.versions); err != nil {
		return nil, err
	}
	if v.versions == nil {
		v.versions = map[string]int64{}
	}
	return v, nil
}

func (v *Versions) Version(entityID string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.versions[entityID]
}

// Bump increments the entity's version for a new local write.
func (v *Versions) Bump(entityID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := v.versions[entityID] + 1
	return next, v.setLocked(entityID, next)
}

// Observe merges a server-reported version; versions never go backwards.
func (v *Versions) Observe(entityID string, version int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if version <= v.versions[entityID] {
		return nil
	}
	return v.setLocked(entityID, version)
}

func (v *Versions) setLocked(entityID string, version int64) error {
	previous, had := v.versions[entityID]
	v.versions[entityID] = version
	if err := statestore.SaveJSON(v.backend, statestore.DocEntityVersions, v.versions); err != nil {
		if had {
			v.versions[entityID] = previous
		} else {
			delete(v.versions, entityID)
		}
		return err
	}
	return nil
}
