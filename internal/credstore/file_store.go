package credstore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/statestore"
)

const (
	keyLen  = 32
	saltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var errCiphertextTooShort = errors.New("credential ciphertext too short")

// FileStore keeps each entry in its own XChaCha20-Poly1305 sealed file.
// With a secret the key is derived by Argon2id over a persisted salt;
// without one a random key file guards the entries.
type FileStore struct {
	dir string
	key []byte
	mu  sync.Mutex
}

func NewFileStore(dir, secret string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: credential dir", errs.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	var key []byte
	if secret != "" {
		salt, err := loadOrCreateRandom(filepath.Join(dir, "salt"), saltLen)
		if err != nil {
			return nil, err
		}
		key = argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, keyLen)
	} else {
		var err error
		key, err = loadOrCreateRandom(filepath.Join(dir, "key"), keyLen)
		if err != nil {
			return nil, err
		}
	}
	return &FileStore{dir: dir, key: key}, nil
}

func (s *FileStore) Get(key string) ([]byte, error) {
	path, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: credential %s", errs.ErrNotFound, key)
		}
		return nil, err
	}
	plain, err := s.open(key, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", key, err)
	}
	return plain, nil
}

func (s *FileStore) Set(key string, value []byte) error {
	path, err := s.entryPath(key)
	if err != nil {
		return err
	}
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return statestore.WriteFileAtomic(path, sealed, 0o600)
}

func (s *FileStore) Delete(key string) error {
	path, err := s.entryPath(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) entryPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("%w: credential key %q", errs.ErrInvalidInput, key)
	}
	return filepath.Join(s.dir, Namespace+"-"+key+".enc"), nil
}

func (s *FileStore) seal(key string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, associatedData(key))...)
	return out, nil
}

func (s *FileStore) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errCiphertextTooShort
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], associatedData(key))
}

// associatedData binds a ciphertext to its entry so files cannot be swapped.
func associatedData(key string) []byte {
	return []byte(Namespace + "/" + key)
}

func loadOrCreateRandom(path string, n int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != n {
			return nil, fmt.Errorf("%s: expected %d bytes, got %d", path, n, len(data))
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	data = make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		return nil, err
	}
	if err := statestore.WriteFileAtomic(path, data, 0o600); err != nil {
		return nil, err
	}
	return data, nil
}
