package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/termgate/termgate/internal/crypto"
)

// storageNamespace prefixes every persisted key. Keys are always scoped by
// the connection host; a bare unscoped key would leak session state across
// different connection targets sharing the same store.
const storageNamespace = "termgate"

// Store is the key/value persistence surface for resume state.
type Store interface {
	Load(key string) (string, bool)
	Save(key, value string) error
	Remove(key string)
}

func sessionIDKey(host string) string {
	return fmt.Sprintf("%s.sessionId.%s", storageNamespace, host)
}

func credentialHashKey(host string) string {
	return fmt.Sprintf("%s.credentialHash.%s", storageNamespace, host)
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Load(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryStore) Save(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// FileStore persists keys as a fernet-encrypted JSON map under the client
// state directory. Session ids act as bearer resume credentials, so the
// store is never written in the clear.
type FileStore struct {
	mu   sync.Mutex
	path string
	key  crypto.FileKey
}

// NewFileStore creates a FileStore rooted at dir. The store file and its
// encryption key live side by side.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		path: filepath.Join(dir, "resume.store"),
		key:  crypto.FileKey{Path: filepath.Join(dir, "resume.key")},
	}
}

func (f *FileStore) load() map[string]string {
	data := make(map[string]string)
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return data
	}
	plain, err := crypto.Decrypt(f.key, string(raw))
	if err != nil {
		// Undecryptable store is discarded, not fatal: worst case the
		// next connection starts a fresh session.
		return data
	}
	if err := json.Unmarshal([]byte(plain), &data); err != nil {
		return make(map[string]string)
	}
	return data
}

func (f *FileStore) flush(data map[string]string) error {
	plain, err := json.Marshal(data)
	if err != nil {
		return err
	}
	enc, err := crypto.Encrypt(f.key, string(plain))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return os.WriteFile(f.path, []byte(enc), 0600)
}

func (f *FileStore) Load(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.load()[key]
	return v, ok
}

func (f *FileStore) Save(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.load()
	data[key] = value
	return f.flush(data)
}

func (f *FileStore) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.load()
	if _, ok := data[key]; !ok {
		return
	}
	delete(data, key)
	f.flush(data)
}
