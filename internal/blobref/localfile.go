package blobref

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// LocalFileBlobStore is a Store backed by a directory of content-addressed
// files. Puts are written atomically — temp file in the target directory,
// then rename — the same pattern an atomic config save uses to avoid
// ever leaving a half-written file visible under the final name.
type LocalFileBlobStore struct {
	dir string
}

// NewLocalFileBlobStore creates (if absent) and returns a store rooted at
// dir.
func NewLocalFileBlobStore(dir string) (*LocalFileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobref: create dir: %w", err)
	}
	return &LocalFileBlobStore{dir: dir}, nil
}

// Put writes data under a content-addressed ref (its hex-encoded sha256)
// and returns that ref. Writing the same bytes twice is a no-op the
// second time: the destination path already exists and is left alone.
func (s *LocalFileBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	dest := filepath.Join(s.dir, ref)

	if _, err := os.Stat(dest); err == nil {
		return ref, nil
	}

	tmp, err := os.CreateTemp(s.dir, "blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("blobref: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("blobref: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blobref: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blobref: rename temp file: %w", err)
	}
	return ref, nil
}

// Get reads the blob named by ref.
func (s *LocalFileBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if err != nil {
		return nil, fmt.Errorf("blobref: read %s: %w", ref, err)
	}
	return data, nil
}
