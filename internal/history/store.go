package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Store loads and persists the complete history document.
type Store interface {
	// Load returns the last persisted document, initialising an empty one on first use.
	Load(ctx context.Context) (Document, error)
	// Persist replaces the stored document as a single atomic write.
	Persist(ctx context.Context, doc Document) error
}

// Reader returns the last persisted document without initialising the backend.
// A backend that was never written reads as an empty document.
type Reader interface {
	Read(ctx context.Context) (Document, error)
}

// ReadStore is a Store that also serves side-effect free reads.
type ReadStore interface {
	Store
	Reader
}

// PersistError reports a failed durable write; the previous document stays intact.
type PersistError struct {
	Backend string
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist history (%s): %v", e.Backend, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Encode renders doc in the persisted layout (two-space indented JSON, sorted keys).
func Encode(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return data, nil
}

// Decode parses a persisted document; blank input is an empty document.
func Decode(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}
