package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const cursorFileExt = ".cursor.json"

var errInvalidShapeID = errors.New("shape ID must not contain path separators")

// FileStore writes one JSON file per shape into a directory. Files are
// replaced atomically, a crash never leaves a torn cursor behind.
type FileStore struct {
	dir string
	// mtx serializes writers so that concurrent saves of the same shape
	// can't interleave their renames.
	mtx sync.Mutex
}

// NewFileStore returns a FileStore writing into dir. The directory is
// created if it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cursor directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(shapeID string) (string, error) {
	if shapeID == "" || strings.ContainsAny(shapeID, `/\`) || shapeID == "." || shapeID == ".." {
		return "", fmt.Errorf("%w: %q", errInvalidShapeID, shapeID)
	}
	return filepath.Join(s.dir, shapeID+cursorFileExt), nil
}

// Load reads the cursor file of the shape.
func (s *FileStore) Load(_ context.Context, shapeID string) (Cursor, error) {
	path, err := s.path(shapeID)
	if err != nil {
		return Cursor{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{}, ErrNotFound
		}
		return Cursor{}, fmt.Errorf("read cursor: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor %q: %w", path, err)
	}

	return c, nil
}

// Save atomically replaces the cursor file of the shape.
func (s *FileStore) Save(_ context.Context, shapeID string, c Cursor) error {
	path, err := s.path(shapeID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	writer, err := newFileWriter(path)
	if err != nil {
		return fmt.Errorf("create cursor file: %w", err)
	}
	defer func() { _ = writer.Close() }()

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}

	return writer.Commit()
}

// Delete removes the cursor file of the shape.
func (s *FileStore) Delete(_ context.Context, shapeID string) error {
	path, err := s.path(shapeID)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cursor: %w", err)
	}
	return nil
}

// List returns the IDs of all shapes with a cursor file.
func (s *FileStore) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, cursorFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, cursorFileExt))
	}
	sort.Strings(ids)

	return ids, nil
}

var errAlreadyDone = errors.New("cursor file was already committed or closed")

// fileWriter does an atomic write to the target file: the data goes into a
// temporary file in the same directory which is renamed over the target on
// Commit.
type fileWriter struct {
	tmpFile       *os.File
	path          string
	commitOrClose sync.Once
}

func newFileWriter(path string) (*fileWriter, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return nil, err
	}
	return &fileWriter{tmpFile: tmpFile, path: path}, nil
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	return fw.tmpFile.Write(p)
}

// Commit syncs and closes the temporary file and renames it to the target.
// Only the first call of Commit or Close has an effect.
func (fw *fileWriter) Commit() error {
	err := errAlreadyDone

	fw.commitOrClose.Do(func() {
		if err = fw.tmpFile.Sync(); err != nil {
			err = fmt.Errorf("syncing temp file: %w", err)
			return
		}

		if err = fw.tmpFile.Close(); err != nil {
			err = fmt.Errorf("closing temp file: %w", err)
			return
		}

		if err = os.Rename(fw.tmpFile.Name(), fw.path); err != nil {
			err = fmt.Errorf("renaming temp file: %w", err)
			return
		}

		if err = fw.syncDir(); err != nil {
			err = fmt.Errorf("syncing dir: %w", err)
			return
		}
	})

	return err
}

func (fw *fileWriter) syncDir() error {
	f, err := os.Open(filepath.Dir(fw.path))
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}

// Close removes the temporary file unless it was committed.
func (fw *fileWriter) Close() error {
	err := errAlreadyDone

	fw.commitOrClose.Do(func() {
		if err = fw.tmpFile.Close(); err != nil {
			return
		}
		if err = os.Remove(fw.tmpFile.Name()); err != nil && !os.IsNotExist(err) {
			return
		}
		err = nil
	})

	return err
}
