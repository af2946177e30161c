package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// fileStore keeps objects as files under a directory, the on-disk counterpart of a browser's
// local storage. Preconditions are checked under a process-wide lock; two processes sharing
// a directory can still race between check and rename.
type fileStore struct {
	mu     sync.Mutex
	dir    string
	prefix string
	max    int64
}

func newFileStore(cfg Config) (*fileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: file driver requires Dir", ErrInvalidConfig)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrInvalidConfig, cfg.Dir, err)
	}
	limit := cfg.MaxGetSize
	if limit <= 0 {
		limit = defaultMaxGetSize
	}
	return &fileStore{dir: cfg.Dir, prefix: cfg.Prefix, max: limit}, nil
}

func (s *fileStore) path(key string) (string, error) {
	fullKey, err := normalizeKey(s.prefix, key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(fullKey)), nil
}

func (s *fileStore) read(p string) ([]byte, fs.FileInfo, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, err
	}
	if info.Size() > s.max {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	b, err := os.ReadFile(p)
	return b, info, err
}

func fileETag(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (s *fileStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, _, err := s.read(p)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	if opts.IfAbsent && exists {
		return "", fmt.Errorf("%w: %s exists", ErrPreconditionFailed, key)
	}
	if opts.IfMatch != "" && (!exists || fileETag(cur) != opts.IfMatch) {
		return "", fmt.Errorf("%w: %s etag changed", ErrPreconditionFailed, key)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", fmt.Errorf("blobstore: mkdir for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	return fileETag(payload), nil
}

func (s *fileStore) Get(_ context.Context, key string) (Object, error) {
	p, err := s.path(key)
	if err != nil {
		return Object{}, err
	}

	s.mu.Lock()
	b, info, err := s.read(p)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Object{}, err
	}
	return Object{
		Key:          key,
		Data:         b,
		ContentType:  "application/json",
		ETag:         fileETag(b),
		LastModified: info.ModTime().UTC(),
	}, nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}
