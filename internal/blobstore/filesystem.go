// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ManuGH/taskhub/internal/log"
	"github.com/google/renameio/v2"
)

// FilesystemStore persists blobs under a root directory using atomic,
// fsync'd writes. Keys may contain "/" and are mapped directly onto
// subdirectories of root.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore returns a FilesystemStore rooted at dir. The
// directory is created if it does not already exist.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root %q: %w", dir, err)
	}
	return &FilesystemStore{root: dir}, nil
}

var _ Store = (*FilesystemStore)(nil)

func (f *FilesystemStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Put writes data to key using renameio's pending-file pattern: write to a
// temp file, fsync, then atomically rename over the destination. This
// guarantees a reader never observes a partially-written blob.
func (f *FilesystemStore) Put(_ context.Context, key string, data []byte) error {
	dst := f.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("blobstore: create parent dir for %q: %w", key, err)
	}

	pending, err := renameio.NewPendingFile(dst)
	if err != nil {
		return fmt.Errorf("blobstore: create pending file for %q: %w", key, err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			log.WithComponent("blobstore").Debug().Err(err).Str("key", key).Msg("cleanup pending blob file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("blobstore: write %q: %w", key, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("blobstore: commit %q: %w", key, err)
	}
	return nil
}

func (f *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %q: %w", key, err)
	}
	return data, nil
}

func (f *FilesystemStore) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: delete %q: %w", key, err)
	}
	return nil
}
