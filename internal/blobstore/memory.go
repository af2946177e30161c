package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	etag        string
	updatedAt   time.Time
}

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]memoryObject
}

func newMemoryStore(prefix string) *memoryStore {
	return &memoryStore{
		prefix:  prefix,
		objects: make(map[string]memoryObject),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) (string, error) {
	fullKey, err := normalizeKey(m.prefix, key)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(payload)
	etag := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.objects[fullKey]
	if opts.IfAbsent && exists {
		return "", fmt.Errorf("%w: %s exists", ErrPreconditionFailed, key)
	}
	if opts.IfMatch != "" && (!exists || cur.etag != opts.IfMatch) {
		return "", fmt.Errorf("%w: %s etag changed", ErrPreconditionFailed, key)
	}
	m.objects[fullKey] = memoryObject{
		data:        append([]byte(nil), payload...),
		contentType: strings.TrimSpace(opts.ContentType),
		etag:        etag,
		updatedAt:   time.Now().UTC(),
	}
	return etag, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	fullKey, err := normalizeKey(m.prefix, key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[fullKey]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Object{
		Key:          key,
		Data:         append([]byte(nil), obj.data...),
		ContentType:  obj.contentType,
		ETag:         obj.etag,
		LastModified: obj.updatedAt,
	}, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	fullKey, err := normalizeKey(m.prefix, key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.objects, fullKey)
	m.mu.Unlock()
	return nil
}
