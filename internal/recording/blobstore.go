package recording

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// HandleScheme prefixes every handle the BlobStore hands out
const HandleScheme = "blob:camcapture/"

var ErrHandleNotFound = errors.New("handle does not resolve to an object")

// Blob is an assembled binary object
type Blob struct {
	Data []byte
	Type string
}

// Size returns the object length in bytes
func (b *Blob) Size() int64 {
	return int64(len(b.Data))
}

// BlobStore keeps assembled objects in memory for the process lifetime and
// resolves their handles
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewBlobStore creates an empty store
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]*Blob)}
}

// Put registers b and returns its handle
func (s *BlobStore) Put(b *Blob) string {
	handle := HandleScheme + uuid.NewString()

	s.mu.Lock()
	s.blobs[handle] = b
	s.mu.Unlock()

	return handle
}

// Get resolves a handle
func (s *BlobStore) Get(handle string) (*Blob, error) {
	if !strings.HasPrefix(handle, HandleScheme) {
		return nil, fmt.Errorf("%w: %s", ErrHandleNotFound, handle)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandleNotFound, handle)
	}
	return b, nil
}

// Open resolves a handle into a reader over the object content
func (s *BlobStore) Open(handle string) (*bytes.Reader, error) {
	b, err := s.Get(handle)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b.Data), nil
}

// Revoke forgets a handle
func (s *BlobStore) Revoke(handle string) {
	s.mu.Lock()
	delete(s.blobs, handle)
	s.mu.Unlock()
}

// Len returns the number of live handles
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
