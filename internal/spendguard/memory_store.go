package spendguard

import (
	"context"
	"sync"
	"time"
)

type claimKey struct {
	user string
	hash string
}

// MemoryStore guards spends within one process. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[claimKey]Claim
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		claims: make(map[claimKey]Claim),
	}
}

func (s *MemoryStore) TryClaim(_ context.Context, user, hash, flowID string, ttl time.Duration) (Claim, bool, error) {
	u, h, err := Key(user, hash)
	if err != nil {
		return Claim{}, false, err
	}
	if err := ValidateClaim(flowID, ttl); err != nil {
		return Claim{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := claimKey{u, h}
	if cur, ok := s.claims[k]; ok && cur.ExpiresAt.After(now) && cur.FlowID != flowID {
		return cur, false, nil
	}
	c := Claim{User: u, Commitment: h, FlowID: flowID, ExpiresAt: now.Add(ttl)}
	s.claims[k] = c
	return c, true, nil
}

func (s *MemoryStore) Extend(_ context.Context, user, hash, flowID string, ttl time.Duration) (Claim, error) {
	u, h, err := Key(user, hash)
	if err != nil {
		return Claim{}, err
	}
	if err := ValidateClaim(flowID, ttl); err != nil {
		return Claim{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := claimKey{u, h}
	cur, ok := s.claims[k]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if cur.FlowID != flowID {
		return Claim{}, ErrNotHolder
	}
	cur.ExpiresAt = s.now().Add(ttl)
	s.claims[k] = cur
	return cur, nil
}

func (s *MemoryStore) Release(_ context.Context, user, hash, flowID string) error {
	u, h, err := Key(user, hash)
	if err != nil {
		return err
	}
	if flowID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := claimKey{u, h}
	cur, ok := s.claims[k]
	if !ok {
		return nil
	}
	if cur.FlowID != flowID {
		return ErrNotHolder
	}
	delete(s.claims, k)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, user, hash string) (Claim, error) {
	u, h, err := Key(user, hash)
	if err != nil {
		return Claim{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.claims[claimKey{u, h}]
	if !ok {
		return Claim{}, ErrNotFound
	}
	return cur, nil
}
