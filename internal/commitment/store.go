package commitment

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("commitment: not found")
	ErrMismatch = errors.New("commitment: secret fields mismatch")
)

// Store owns the persisted commitment set of every user. No other component writes
// commitment state directly.
//
// Semantics:
//   - Save upserts by commitment hash. Re-saving the same hash updates the entry in place
//     (e.g. to attach a leaf index) but may not change its secret fields.
//   - List returns the user's unspent commitments; order is not significant.
//   - Remove is idempotent.
//   - EnsureVersion clears the user's entries when the stored schema marker differs from
//     marker, then records marker.
type Store interface {
	Save(ctx context.Context, user string, c Commitment) error
	Get(ctx context.Context, user string, hash string) (Commitment, error)
	List(ctx context.Context, user string) ([]Commitment, error)
	Remove(ctx context.Context, user string, hash string) error
	Clear(ctx context.Context, user string) error
	EnsureVersion(ctx context.Context, user string, marker string) (bool, error)
}

// Merge applies an update for an existing entry. Secret fields are immutable; everything
// learned later (inclusion data, sync attempts, remaining amount) is taken from next, with
// inclusion data kept when next omits it. A cached path is only kept while the root it
// authenticates against is unchanged.
func Merge(prev, next Commitment) (Commitment, error) {
	if prev.UserSecret != next.UserSecret || prev.Nonce != next.Nonce || prev.Blinding != next.Blinding || prev.PoolType != next.PoolType {
		return Commitment{}, ErrMismatch
	}
	out := next.Clone()
	if out.LeafIndex == nil && prev.LeafIndex != nil {
		idx := *prev.LeafIndex
		out.LeafIndex = &idx
	}
	if out.MerkleRoot == "" {
		out.MerkleRoot = prev.MerkleRoot
	}
	if len(out.PathElements) == 0 && len(prev.PathElements) > 0 && out.MerkleRoot == prev.MerkleRoot {
		out.PathElements = append([]string(nil), prev.PathElements...)
		out.PathIndices = append([]int(nil), prev.PathIndices...)
	}
	if out.SyncAttemptedAt == nil && prev.SyncAttemptedAt != nil {
		ts := *prev.SyncAttemptedAt
		out.SyncAttemptedAt = &ts
	}
	if out.DepositTxHash == "" {
		out.DepositTxHash = prev.DepositTxHash
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = prev.CreatedAt
	}
	return out, nil
}

func NormalizeKeys(user, hash string) (string, string, error) {
	u, err := NormalizeUser(user)
	if err != nil {
		return "", "", err
	}
	h, err := NormalizeHash(hash)
	if err != nil {
		return "", "", err
	}
	return u, h, nil
}

// Canonicalize validates c and returns the normalized user key and a copy of c with a
// normalized hash.
func Canonicalize(user string, c Commitment) (string, Commitment, error) {
	if err := c.Validate(); err != nil {
		return "", Commitment{}, err
	}
	u, h, err := NormalizeKeys(user, c.Hash)
	if err != nil {
		return "", Commitment{}, err
	}
	c = c.Clone()
	c.Hash = h
	return u, c, nil
}
