// Package blobstore implements ports.BlobStore against the local
// filesystem, standing in for the real blob-storage provider (an external
// collaborator per spec §1). Paths are the blob-layout contract (spec §6.1)
// relative to a configured root directory.
package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"extraction-worker/internal/core/ports"
	pkgerrors "extraction-worker/pkg/errors"
)

type FilesystemStore struct {
	root string
}

var _ ports.BlobStore = (*FilesystemStore)(nil)

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &FilesystemStore{root: root}, nil
}

func (f *FilesystemStore) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	full := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(f.root)+string(os.PathSeparator)) && full != filepath.Clean(f.root) {
		return "", pkgerrors.NewInvalidInput("blob path escapes storage root")
	}
	return full, nil
}

func (f *FilesystemStore) Put(ctx context.Context, path string, data []byte, meta map[string]string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "BLOB_MKDIR_FAILED", "could not create blob directory")
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "BLOB_WRITE_FAILED", "could not write blob")
	}
	return nil
}

func (f *FilesystemStore) Get(ctx context.Context, path string) ([]byte, error) {
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, pkgerrors.NewNotFound("blob " + path)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "BLOB_READ_FAILED", "could not read blob")
	}
	return data, nil
}

func (f *FilesystemStore) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	full, err := f.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(filepath.Dir(full), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(f.root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "BLOB_LIST_FAILED", "could not list blobs")
	}
	return out, nil
}

func (f *FilesystemStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	paths, err := f.ListByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, p := range paths {
		full, err := f.resolve(p)
		if err != nil {
			continue
		}
		if err := os.Remove(full); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// SignedURL has no real signing authority to delegate to here; it returns a
// deterministic local reference good for ttl, matching the shape the real
// blob-storage provider's signed URL would take.
func (f *FilesystemStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if _, err := f.resolve(path); err != nil {
		return "", err
	}
	expiry := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("local-blob://%s?expires=%d", path, expiry), nil
}
