// Package attachments moves attachment bytes between the device media store and
// the sync server, one outcome per item.
package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/nexus"
	"github.com/agentworkforce/nexussync/internal/statestore"
)

// MediaStore lays files out as <root>/<patientID>/<entityID>/<filename>.
type MediaStore struct {
	Root string
}

func NewMediaStore(root string) *MediaStore {
	return &MediaStore{Root: strings.TrimSpace(root)}
}

func (m *MediaStore) Path(patientID, entityID, filename string) (string, error) {
	for _, part := range []string{patientID, entityID, filename} {
		if !safeSegment(part) {
			return "", fmt.Errorf("%w: media path segment %q", errs.ErrInvalidInput, part)
		}
	}
	return filepath.Join(m.Root, patientID, entityID, filename), nil
}

func (m *MediaStore) Write(patientID, entityID, filename string, data []byte) (string, error) {
	path, err := m.Path(patientID, entityID, filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := statestore.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func safeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.HasPrefix(s, ".")
}

// Index maps entity id to its files so uploads never scan the media tree.
type Index struct {
	root string

	mu      sync.RWMutex
	byOwner map[string]map[string]string
}

// BuildIndex walks the media store once.
func BuildIndex(store *MediaStore) (*Index, error) {
	idx := &Index{root: store.Root, byOwner: map[string]map[string]string{}}
	err := filepath.WalkDir(store.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == store.Root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if depth(store.Root, path) > 2 {
				return filepath.SkipDir
			}
			return nil
		}
		idx.Add(path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// Add indexes path if it sits at <root>/<patient>/<entity>/<file>.
func (i *Index) Add(path string) bool {
	entityID, filename, ok := i.split(path)
	if !ok {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	files := i.byOwner[entityID]
	if files == nil {
		files = map[string]string{}
		i.byOwner[entityID] = files
	}
	files[filename] = filepath.Clean(path)
	return true
}

// Remove forgets path, or every file under it when path is a directory.
func (i *Index) Remove(path string) {
	clean := filepath.Clean(path)
	i.mu.Lock()
	defer i.mu.Unlock()
	for entityID, files := range i.byOwner {
		for name, p := range files {
			if p == clean || strings.HasPrefix(p, clean+string(filepath.Separator)) {
				delete(files, name)
			}
		}
		if len(files) == 0 {
			delete(i.byOwner, entityID)
		}
	}
}

func (i *Index) Lookup(entityID, filename string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	p, ok := i.byOwner[entityID][filename]
	return p, ok
}

// Files returns the entity's indexed paths, sorted.
func (i *Index) Files(entityID string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.byOwner[entityID]))
	for _, p := range i.byOwner[entityID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	n := 0
	for _, files := range i.byOwner {
		n += len(files)
	}
	return n
}

// Describe builds the push-side references for every file of entityID.
func (i *Index) Describe(entityID string) ([]nexus.AttachmentRef, error) {
	paths := i.Files(entityID)
	refs := make([]nexus.AttachmentRef, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				i.Remove(path)
				continue
			}
			return nil, err
		}
		name := filepath.Base(path)
		refs = append(refs, nexus.AttachmentRef{
			EntityID:    entityID,
			Filename:    name,
			ContentType: DetectContentType(name, data),
			SizeBytes:   int64(len(data)),
			Checksum:    Checksum(data),
		})
	}
	return refs, nil
}

// split extracts entity and filename from <root>/<patient>/<entity>/<file>.
func (i *Index) split(path string) (entityID, filename string, ok bool) {
	rel, err := filepath.Rel(i.root, filepath.Clean(path))
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return "", "", false
	}
	for _, p := range parts {
		if !safeSegment(p) {
			return "", "", false
		}
	}
	return parts[1], parts[2], true
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}

// Checksum is the lowercase hex SHA-256 the server verifies against.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DetectContentType infers a MIME type from the extension, then from the bytes.
func DetectContentType(filename string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if m := mime.TypeByExtension(ext); m != "" {
		return stripParams(m)
	}
	if len(data) > 0 {
		return stripParams(http.DetectContentType(data))
	}
	return "application/octet-stream"
}

func stripParams(m string) string {
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return strings.TrimSpace(m)
}
