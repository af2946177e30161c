package commitment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zkdefi/shield-client/internal/blobstore"
)

var ErrInvalidConfig = errors.New("commitment: invalid config")

const maxWriteAttempts = 5

// document is the persisted layout: one JSON array of commitments per user, tagged with the
// schema marker it was written under.
type document struct {
	Version     string       `json:"version"`
	Commitments []Commitment `json:"commitments"`
}

// ObjectStore keeps each user's commitments in a single document in a blobstore.Store.
// Writes are read-modify-write guarded by ETag preconditions, so concurrent writers from
// other processes are retried rather than overwritten.
type ObjectStore struct {
	blobs blobstore.Store
	now   func() time.Time
}

func NewObjectStore(blobs blobstore.Store, now func() time.Time) (*ObjectStore, error) {
	if blobs == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &ObjectStore{blobs: blobs, now: now}, nil
}

func documentKey(user string) string {
	return "commitments/" + strings.ToLower(user) + ".json"
}

func (s *ObjectStore) load(ctx context.Context, user string) (document, string, error) {
	obj, err := s.blobs.Get(ctx, documentKey(user))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return document{}, "", nil
		}
		return document{}, "", fmt.Errorf("commitment: load %s: %w", user, err)
	}
	var doc document
	if err := json.Unmarshal(obj.Data, &doc); err != nil {
		return document{}, "", fmt.Errorf("commitment: decode %s: %w", user, err)
	}
	return doc, obj.ETag, nil
}

// update applies fn to the user's document and writes it back, retrying when another writer
// changed the document in between.
func (s *ObjectStore) update(ctx context.Context, user string, fn func(*document) (bool, error)) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		doc, etag, err := s.load(ctx, user)
		if err != nil {
			return err
		}
		changed, err := fn(&doc)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("commitment: encode %s: %w", user, err)
		}
		opts := blobstore.PutOptions{ContentType: "application/json"}
		if etag == "" {
			opts.IfAbsent = true
		} else {
			opts.IfMatch = etag
		}
		_, err = s.blobs.Put(ctx, documentKey(user), payload, opts)
		if err == nil {
			return nil
		}
		if !errors.Is(err, blobstore.ErrPreconditionFailed) {
			return fmt.Errorf("commitment: store %s: %w", user, err)
		}
	}
	return fmt.Errorf("commitment: store %s: %w after %d attempts", user, blobstore.ErrPreconditionFailed, maxWriteAttempts)
}

func indexOf(doc *document, hash string) int {
	for i, c := range doc.Commitments {
		if c.Hash == hash {
			return i
		}
	}
	return -1
}

func (s *ObjectStore) Save(ctx context.Context, user string, c Commitment) error {
	u, c, err := Canonicalize(user, c)
	if err != nil {
		return err
	}
	return s.update(ctx, u, func(doc *document) (bool, error) {
		i := indexOf(doc, c.Hash)
		if i < 0 {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = s.now().UTC()
			}
			doc.Commitments = append(doc.Commitments, c)
			return true, nil
		}
		merged, err := Merge(doc.Commitments[i], c)
		if err != nil {
			return false, err
		}
		doc.Commitments[i] = merged
		return true, nil
	})
}

func (s *ObjectStore) Get(ctx context.Context, user string, hash string) (Commitment, error) {
	u, h, err := NormalizeKeys(user, hash)
	if err != nil {
		return Commitment{}, err
	}
	doc, _, err := s.load(ctx, u)
	if err != nil {
		return Commitment{}, err
	}
	i := indexOf(&doc, h)
	if i < 0 {
		return Commitment{}, ErrNotFound
	}
	return doc.Commitments[i].Clone(), nil
}

func (s *ObjectStore) List(ctx context.Context, user string) ([]Commitment, error) {
	u, err := NormalizeUser(user)
	if err != nil {
		return nil, err
	}
	doc, _, err := s.load(ctx, u)
	if err != nil {
		return nil, err
	}
	out := make([]Commitment, 0, len(doc.Commitments))
	for _, c := range doc.Commitments {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (s *ObjectStore) Remove(ctx context.Context, user string, hash string) error {
	u, h, err := NormalizeKeys(user, hash)
	if err != nil {
		return err
	}
	return s.update(ctx, u, func(doc *document) (bool, error) {
		i := indexOf(doc, h)
		if i < 0 {
			return false, nil
		}
		doc.Commitments = append(doc.Commitments[:i], doc.Commitments[i+1:]...)
		return true, nil
	})
}

func (s *ObjectStore) Clear(ctx context.Context, user string) error {
	u, err := NormalizeUser(user)
	if err != nil {
		return err
	}
	return s.update(ctx, u, func(doc *document) (bool, error) {
		if len(doc.Commitments) == 0 {
			return false, nil
		}
		doc.Commitments = nil
		return true, nil
	})
}

func (s *ObjectStore) EnsureVersion(ctx context.Context, user string, marker string) (bool, error) {
	u, err := NormalizeUser(user)
	if err != nil {
		return false, err
	}
	cleared := false
	err = s.update(ctx, u, func(doc *document) (bool, error) {
		if doc.Version == marker {
			return false, nil
		}
		cleared = len(doc.Commitments) > 0
		doc.Version = marker
		doc.Commitments = nil
		return true, nil
	})
	return cleared, err
}
