package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const emptyDocument = "{}"

// FileStore keeps the document in a single JSON file replaced by rename.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the document, creating an empty file when none exists.
func (s *FileStore) Load(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensure(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}
	return Decode(data)
}

// Read parses the current file without creating it; a missing file is an empty document.
func (s *FileStore) Read(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}
	return Decode(data)
}

// Persist writes doc to a temp file in the same directory and renames it over the target,
// so readers observe either the previous or the new document.
func (s *FileStore) Persist(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return &PersistError{Backend: "file", Err: err}
	}

	data, err := Encode(doc)
	if err != nil {
		return &PersistError{Backend: "file", Err: err}
	}
	if err := writeAtomic(s.path, data); err != nil {
		return &PersistError{Backend: "file", Err: err}
	}
	return nil
}

func (s *FileStore) ensure() error {
	if err := ensureDir(s.path); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	// O_EXCL so a concurrent Persist that already renamed into place is never clobbered.
	file, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create history file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(emptyDocument); err != nil {
		return fmt.Errorf("initialise history file: %w", err)
	}
	return file.Sync()
}

func writeAtomic(path string, data []byte) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

var _ ReadStore = (*FileStore)(nil)
