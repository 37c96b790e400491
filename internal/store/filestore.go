package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore implements Store using one file per key on disk, under a
// directory scoped to a single client ID. Writes go to a uuid-named
// temporary file in the same directory and are renamed into place, so a
// concurrent reader never observes a partially-written record.
type FileStore struct {
	dir         string
	clientID    string
	permissions os.FileMode
}

var _ Store = (*FileStore)(nil)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithPermissions sets the file permissions used for stored records.
// Default is 0644.
func WithPermissions(perm os.FileMode) FileStoreOption {
	return func(f *FileStore) { f.permissions = perm }
}

// NewFileStore creates a file-based store rooted at baseDir/clientID,
// creating the directory if needed.
func NewFileStore(baseDir, clientID string, opts ...FileStoreOption) (*FileStore, error) {
	if clientID == "" {
		return nil, fmt.Errorf("store: clientID cannot be empty")
	}
	if strings.Contains(clientID, "..") || strings.ContainsRune(clientID, filepath.Separator) {
		return nil, fmt.Errorf("store: clientID contains invalid characters")
	}

	f := &FileStore{
		dir:         filepath.Join(baseDir, clientID),
		clientID:    clientID,
		permissions: 0644,
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := os.MkdirAll(f.dir, f.permissions|0111); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}

	return f, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, encodeKeyAsFilename(key))
}

// encodeKeyAsFilename keeps command keys ("c-42") legible on disk while
// still tolerating arbitrary backend-defined keys.
func encodeKeyAsFilename(key string) string {
	return strings.ReplaceAll(key, string(filepath.Separator), "_") + ".rec"
}

// Put writes value under key via a temp-file-then-rename, so readers never
// see a half-written record.
func (f *FileStore) Put(key string, value []byte) error {
	tmp := filepath.Join(f.dir, uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, value, f.permissions); err != nil {
		return fmt.Errorf("store: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: failed to commit record: %w", err)
	}
	return nil
}

// Get reads the value stored under key.
func (f *FileStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read record: %w", err)
	}
	return data, nil
}

// Remove deletes key. Missing keys are not an error.
func (f *FileStore) Remove(key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns every key whose filename-encoded form has the given prefix.
func (f *FileStore) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list directory: %w", err)
	}

	var keys []string
	encodedPrefix := encodeKeyAsFilename(prefix)
	// encodeKeyAsFilename appended ".rec" to the full key; strip it back
	// off to compare against just the prefix portion.
	encodedPrefix = strings.TrimSuffix(encodedPrefix, ".rec")

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".rec") {
			continue
		}
		if strings.HasPrefix(name, encodedPrefix) {
			keys = append(keys, strings.TrimSuffix(name, ".rec"))
		}
	}
	return keys, nil
}

// Clear removes every record belonging to this client.
func (f *FileStore) Clear() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("store: failed to read directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".rec") {
			os.Remove(filepath.Join(f.dir, name))
		}
	}
	return nil
}
