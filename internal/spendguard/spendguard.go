// Package spendguard keeps two flows from spending the same commitment at once. A claim is
// held by one withdrawal flow and expires on its own if that flow dies without releasing it.
package spendguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zkdefi/shield-client/internal/commitment"
)

var (
	ErrInvalidInput = errors.New("spendguard: invalid input")
	ErrNotFound     = errors.New("spendguard: no claim")
	ErrNotHolder    = errors.New("spendguard: claim held by another flow")
)

type Claim struct {
	User       string
	Commitment string
	FlowID     string
	ExpiresAt  time.Time
}

// Store is a compare-and-swap claim table keyed by (user, commitment).
//
// Semantics:
//   - TryClaim succeeds when there is no claim or the existing one has expired. On failure
//     it returns the current claim and ok=false.
//   - Extend pushes out the expiry of a claim the flow still holds.
//   - Release is idempotent when the claim is already gone.
type Store interface {
	TryClaim(ctx context.Context, user, hash, flowID string, ttl time.Duration) (Claim, bool, error)
	Extend(ctx context.Context, user, hash, flowID string, ttl time.Duration) (Claim, error)
	Release(ctx context.Context, user, hash, flowID string) error
	Get(ctx context.Context, user, hash string) (Claim, error)
}

// Key canonicalizes the claim key so differently formatted addresses and hashes collide.
func Key(user, hash string) (string, string, error) {
	u, h, err := commitment.NormalizeKeys(user, hash)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return u, h, nil
}

func ValidateClaim(flowID string, ttl time.Duration) error {
	if flowID == "" || ttl <= 0 {
		return fmt.Errorf("%w: flow id must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
