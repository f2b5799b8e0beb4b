// Package mock provides an in-memory implementation of the storage.BlobStore
// interface. Tests use it to run without network access, and it doubles as the
// "memory" backend for dry-run wiring.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fjmerc/studypipe/internal/storage"
)

// BlobStore is a mock implementation of storage.BlobStore.
// It stores all objects in memory and provides configurable behavior for tests.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// Error injection for testing
	PutError    error
	GetError    error
	RemoveError error
	SignError   error

	// FailPutPaths fails Put for the listed paths the configured number of
	// times, then succeeds. Used to exercise the retry policy.
	FailPutPaths map[string]int

	// Custom behavior hooks
	OnPut func(ctx context.Context, path string, data []byte, overwrite bool) error
	OnGet func(ctx context.Context, path string) ([]byte, error)

	// Call counters for assertions
	PutCalls    int
	GetCalls    int
	RemoveCalls int
	SignCalls   int
}

// NewBlobStore creates a new mock BlobStore with default behavior.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects:      make(map[string][]byte),
		FailPutPaths: make(map[string]int),
	}
}

// Ensure BlobStore implements storage.BlobStore
var _ storage.BlobStore = (*BlobStore)(nil)

// Reset clears all objects, errors, and counters for a fresh test state.
func (s *BlobStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects = make(map[string][]byte)
	s.FailPutPaths = make(map[string]int)
	s.PutError = nil
	s.GetError = nil
	s.RemoveError = nil
	s.SignError = nil
	s.OnPut = nil
	s.OnGet = nil
	s.PutCalls = 0
	s.GetCalls = 0
	s.RemoveCalls = 0
	s.SignCalls = 0
}

// Put stores data at the given path.
func (s *BlobStore) Put(ctx context.Context, path string, data []byte, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return storage.NewStorageError("Put", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.PutCalls++

	if s.OnPut != nil {
		return s.OnPut(ctx, path, data, overwrite)
	}

	if s.PutError != nil {
		return s.PutError
	}

	if remaining, ok := s.FailPutPaths[path]; ok && remaining > 0 {
		s.FailPutPaths[path] = remaining - 1
		return storage.NewStorageError("Put", path, fmt.Errorf("injected transient failure"))
	}

	if _, exists := s.objects[path]; exists && !overwrite {
		return storage.NewStorageError("Put", path, fmt.Errorf("object already exists"))
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[path] = stored

	return nil
}

// Get returns the content of the object at the given path.
func (s *BlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NewStorageError("Get", path, err)
	}

	s.mu.Lock()
	s.GetCalls++
	onGet := s.OnGet
	s.mu.Unlock()

	if onGet != nil {
		return onGet(ctx, path)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.GetError != nil {
		return nil, s.GetError
	}

	content, exists := s.objects[path]
	if !exists {
		return nil, storage.NewStorageError("Get", path, storage.ErrNotFound)
	}

	result := make([]byte, len(content))
	copy(result, content)
	return result, nil
}

// Remove deletes the objects at the given paths.
func (s *BlobStore) Remove(ctx context.Context, paths []string) error {
	if err := ctx.Err(); err != nil {
		return storage.NewStorageError("Remove", "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.RemoveCalls++

	if s.RemoveError != nil {
		return s.RemoveError
	}

	for _, path := range paths {
		delete(s.objects, path)
	}

	return nil
}

// Sign returns a fake signed URL for the given path.
func (s *BlobStore) Sign(ctx context.Context, path string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SignCalls++

	if s.SignError != nil {
		return "", s.SignError
	}

	if _, exists := s.objects[path]; !exists {
		return "", storage.NewStorageError("Sign", path, storage.ErrNotFound)
	}

	return fmt.Sprintf("https://mock.storage.local/%s?expires=%d", path, int64(ttl.Seconds())), nil
}

// AddObject directly adds an object to the mock storage for test setup.
func (s *BlobStore) AddObject(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(content))
	copy(stored, content)
	s.objects[path] = stored
}

// ObjectContent returns the content of an object (for test assertions).
func (s *BlobStore) ObjectContent(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, exists := s.objects[path]
	if !exists {
		return nil, false
	}

	result := make([]byte, len(content))
	copy(result, content)
	return result, true
}

// ObjectPaths returns all object paths in storage, sorted (for test assertions).
func (s *BlobStore) ObjectPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.objects))
	for path := range s.objects {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
