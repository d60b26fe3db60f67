package history

import (
	"context"
	"sync"
)

// MemoryStore keeps the encoded document in process. It backs dry runs and
// alert simulation where nothing should touch durable storage.
type MemoryStore struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryStore returns a store seeded with doc.
func NewMemoryStore(doc Document) (*MemoryStore, error) {
	data, err := Encode(doc)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{data: data}, nil
}

// Load decodes the current document.
func (s *MemoryStore) Load(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Decode(s.data)
}

// Read is Load; the memory store has nothing to initialise.
func (s *MemoryStore) Read(ctx context.Context) (Document, error) {
	return s.Load(ctx)
}

// Persist replaces the document.
func (s *MemoryStore) Persist(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return &PersistError{Backend: "memory", Err: err}
	}
	data, err := Encode(doc)
	if err != nil {
		return &PersistError{Backend: "memory", Err: err}
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Bytes returns a copy of the encoded document.
func (s *MemoryStore) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.data...)
}

var _ ReadStore = (*MemoryStore)(nil)
