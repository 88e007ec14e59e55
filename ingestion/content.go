package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps raw content on disk, addressed by content hash. Locations
// it returns are relative to its root.
type FileStore struct {
	root string
}

// NewFileStore creates root if needed and returns a store over it.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidLocation)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory holding the content.
func (fs *FileStore) Root() string {
	return fs.root
}

// Put stores content under its hash and returns its location. Content that
// is already stored is not rewritten.
func (fs *FileStore) Put(ctx context.Context, hash string, content []byte) (string, error) {
	if len(hash) < 3 || strings.ContainsAny(hash, `/\.`) {
		return "", fmt.Errorf("%w: bad hash %q", ErrInvalidLocation, hash)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	location := filepath.ToSlash(filepath.Join(hash[:2], hash))
	path := filepath.Join(fs.root, hash[:2], hash)
	if _, err := os.Stat(path); err == nil {
		return location, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create content dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), hash+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("store content: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store content: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store content: %w", err)
	}
	return location, nil
}

// ReadContent returns the bytes stored at location.
func (fs *FileStore) ReadContent(ctx context.Context, location string) ([]byte, error) {
	path, err := fs.path(location)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes the content at location. Removing missing content is a no-op.
func (fs *FileStore) Remove(location string) error {
	path, err := fs.path(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fs *FileStore) path(location string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(location))
	if location == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return filepath.Join(fs.root, clean), nil
}
