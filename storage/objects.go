package storage

import (
	"sync"

	"github.com/google/uuid"
)

// ObjectStore keeps fallback-assembled files in memory, addressable by opaque
// retrieval handles. Handles stay valid until revoked or cleared.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]storedObject
}

type storedObject struct {
	data     []byte
	mimeType string
}

// NewObjectStore creates an empty object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]storedObject)}
}

// Put retains the bytes and returns a retrieval handle.
func (s *ObjectStore) Put(data []byte, mimeType string) string {
	handle := uuid.NewString()
	s.mu.Lock()
	s.objects[handle] = storedObject{data: data, mimeType: mimeType}
	s.mu.Unlock()
	return handle
}

// Get returns the bytes and mime type for a handle.
func (s *ObjectStore) Get(handle string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[handle]
	if !ok {
		return nil, "", false
	}
	return obj.data, obj.mimeType, true
}

// Revoke invalidates one handle and releases its bytes.
func (s *ObjectStore) Revoke(handle string) {
	s.mu.Lock()
	delete(s.objects, handle)
	s.mu.Unlock()
}

// Clear invalidates every handle.
func (s *ObjectStore) Clear() {
	s.mu.Lock()
	s.objects = make(map[string]storedObject)
	s.mu.Unlock()
}

// Len reports how many objects are retained.
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
