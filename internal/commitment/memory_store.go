package commitment

import (
	"context"
	"sync"
	"time"
)

type userBucket struct {
	version string
	items   map[string]Commitment
	order   []string
}

// MemoryStore keeps commitments in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	users map[string]*userBucket
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:   now,
		users: make(map[string]*userBucket),
	}
}

func (s *MemoryStore) bucket(user string) *userBucket {
	b, ok := s.users[user]
	if !ok {
		b = &userBucket{items: make(map[string]Commitment)}
		s.users[user] = b
	}
	return b
}

func (s *MemoryStore) Save(_ context.Context, user string, c Commitment) error {
	u, c, err := Canonicalize(user, c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(u)
	prev, ok := b.items[c.Hash]
	if !ok {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now().UTC()
		}
		b.items[c.Hash] = c
		b.order = append(b.order, c.Hash)
		return nil
	}
	merged, err := Merge(prev, c)
	if err != nil {
		return err
	}
	b.items[c.Hash] = merged
	return nil
}

func (s *MemoryStore) Get(_ context.Context, user string, hash string) (Commitment, error) {
	u, h, err := NormalizeKeys(user, hash)
	if err != nil {
		return Commitment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.users[u]
	if !ok {
		return Commitment{}, ErrNotFound
	}
	c, ok := b.items[h]
	if !ok {
		return Commitment{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, user string) ([]Commitment, error) {
	u, err := NormalizeUser(user)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.users[u]
	if !ok {
		return nil, nil
	}
	out := make([]Commitment, 0, len(b.order))
	for _, h := range b.order {
		out = append(out, b.items[h].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, user string, hash string) error {
	u, h, err := NormalizeKeys(user, hash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.users[u]
	if !ok {
		return nil
	}
	if _, ok := b.items[h]; !ok {
		return nil
	}
	delete(b.items, h)
	for i, id := range b.order {
		if id == h {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, user string) error {
	u, err := NormalizeUser(user)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(u)
	b.items = make(map[string]Commitment)
	b.order = nil
	return nil
}

func (s *MemoryStore) EnsureVersion(_ context.Context, user string, marker string) (bool, error) {
	u, err := NormalizeUser(user)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(u)
	if b.version == marker {
		return false, nil
	}
	cleared := len(b.items) > 0
	b.items = make(map[string]Commitment)
	b.order = nil
	b.version = marker
	return cleared, nil
}
