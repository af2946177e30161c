package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"
	DriverFile   = "file"

	defaultMaxGetSize int64 = 4 << 20
)

var (
	ErrInvalidConfig      = errors.New("blobstore: invalid config")
	ErrInvalidKey         = errors.New("blobstore: invalid key")
	ErrNotFound           = errors.New("blobstore: not found")
	ErrTooLarge           = errors.New("blobstore: object too large")
	ErrPreconditionFailed = errors.New("blobstore: precondition failed")
)

// Store persists small JSON documents under string keys.
//
// Put supports optimistic concurrency: IfMatch requires the current ETag to match and
// IfAbsent requires the key to be absent. A failed condition returns ErrPreconditionFailed.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) (string, error)
	Get(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
}

type PutOptions struct {
	ContentType string
	IfMatch     string
	IfAbsent    bool
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 4 MiB when <= 0.
	MaxGetSize int64

	// Dir is the root directory of the file driver.
	Dir string

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	case DriverFile:
		return newFileStore(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverMemory
	}
	return v
}

func normalizeKey(prefix, key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: key contains a parent reference", ErrInvalidKey)
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key, nil
	}
	return prefix + "/" + key, nil
}
