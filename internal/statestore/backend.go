// Package statestore persists the engine's JSON documents (device config, sync
// state, conflict log, outbound queue) behind a DSN-selected backend.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/nexussync/internal/errs"
)

// Document names used by the engine.
const (
	DocDeviceConfig   = "device_config"
	DocSyncState      = "sync_state"
	DocConflictLog    = "conflict_log"
	DocOutboundQueue  = "outbound_queue"
	DocEntityVersions = "entity_versions"
)

// Backend stores whole documents by name. Load returns nil, nil for a missing document.
type Backend interface {
	Load(name string) ([]byte, error)
	Save(name string, data []byte) error
}

func LoadJSON(b Backend, name string, out any) (bool, error) {
	data, err := b.Load(name)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func SaveJSON(b Backend, name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return b.Save(name, data)
}

type FileBackend struct {
	Dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: strings.TrimSpace(dir)}
}

func (b *FileBackend) Load(name string) ([]byte, error) {
	path, err := b.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Save(name string, data []byte) error {
	path, err := b.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o700); err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

func (b *FileBackend) path(name string) (string, error) {
	if b == nil || b.Dir == "" {
		return "", errs.ErrInvalidInput
	}
	if !validDocName(name) {
		return "", fmt.Errorf("%w: document name %q", errs.ErrInvalidInput, name)
	}
	return filepath.Join(b.Dir, name+".json"), nil
}

type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: map[string][]byte{}}
}

func (b *MemoryBackend) Load(name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.docs[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Save(name string, data []byte) error {
	if !validDocName(name) {
		return fmt.Errorf("%w: document name %q", errs.ErrInvalidInput, name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[name] = append([]byte(nil), data...)
	return nil
}

func validDocName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// WriteFileAtomic replaces path via a temp file in the same directory.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
