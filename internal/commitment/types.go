package commitment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zkdefi/shield-client/internal/amount"
	"github.com/zkdefi/shield-client/internal/felt"
)

// DefaultSchemaMarker is the date the pool's Merkle tree was last reset. Commitments
// persisted under an older marker reference a destroyed tree and are dropped.
const DefaultSchemaMarker = "2026-02-04"

var ErrInvalidCommitment = errors.New("commitment: invalid commitment")

type PoolType uint8

const (
	PoolConservative PoolType = iota
	PoolNeutral
	PoolAggressive
)

func (p PoolType) String() string {
	switch p {
	case PoolConservative:
		return "conservative"
	case PoolNeutral:
		return "neutral"
	case PoolAggressive:
		return "aggressive"
	default:
		return fmt.Sprintf("tier(%d)", uint8(p))
	}
}

// ParsePoolType accepts a pool name or a numeric protocol tier.
func ParsePoolType(s string) (PoolType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "conservative":
		return PoolConservative, nil
	case "neutral":
		return PoolNeutral, nil
	case "aggressive":
		return PoolAggressive, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown pool type %q", ErrInvalidCommitment, s)
	}
	return PoolType(n), nil
}

// Commitment is a shielded position held by a user. Amount is an exact integer in base
// units rendered as a decimal string.
type Commitment struct {
	Hash       string   `json:"commitment"`
	UserSecret string   `json:"user_secret"`
	Amount     string   `json:"amount"`
	PoolType   PoolType `json:"pool_type"`
	Nonce      string   `json:"nonce"`
	Blinding   string   `json:"blinding"`

	// LeafIndex is nil until the tree service confirms registration.
	LeafIndex    *uint64  `json:"leaf_index,omitempty"`
	MerkleRoot   string   `json:"merkle_root,omitempty"`
	PathElements []string `json:"path_elements,omitempty"`
	PathIndices  []int    `json:"path_indices,omitempty"`

	SyncAttemptedAt *time.Time `json:"sync_attempted_at,omitempty"`
	DepositTxHash   string     `json:"deposit_tx_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (c Commitment) Synced() bool { return c.LeafIndex != nil }

// HasPath reports whether a complete cached inclusion proof is attached.
func (c Commitment) HasPath() bool {
	return c.MerkleRoot != "" && len(c.PathElements) > 0 && len(c.PathElements) == len(c.PathIndices)
}

func (c Commitment) Validate() error {
	if _, err := NormalizeHash(c.Hash); err != nil {
		return err
	}
	if strings.TrimSpace(c.UserSecret) == "" || strings.TrimSpace(c.Nonce) == "" || strings.TrimSpace(c.Blinding) == "" {
		return fmt.Errorf("%w: missing secret fields", ErrInvalidCommitment)
	}
	if _, err := amount.ParseWei(c.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	if len(c.PathElements) != len(c.PathIndices) {
		return fmt.Errorf("%w: path elements/indices length mismatch", ErrInvalidCommitment)
	}
	return nil
}

func (c Commitment) Clone() Commitment {
	out := c
	if c.LeafIndex != nil {
		idx := *c.LeafIndex
		out.LeafIndex = &idx
	}
	if c.SyncAttemptedAt != nil {
		ts := *c.SyncAttemptedAt
		out.SyncAttemptedAt = &ts
	}
	out.PathElements = append([]string(nil), c.PathElements...)
	out.PathIndices = append([]int(nil), c.PathIndices...)
	if len(out.PathElements) == 0 {
		out.PathElements = nil
	}
	if len(out.PathIndices) == 0 {
		out.PathIndices = nil
	}
	return out
}

// NormalizeHash canonicalizes a commitment hash to lowercase 0x-hex so "0xAB" and "ab"
// address the same entry.
func NormalizeHash(h string) (string, error) {
	v, err := felt.ParseHex(h)
	if err != nil {
		return "", fmt.Errorf("%w: commitment hash: %v", ErrInvalidCommitment, err)
	}
	return "0x" + v.Text(16), nil
}

// NormalizeUser canonicalizes a wallet address.
func NormalizeUser(addr string) (string, error) {
	v, err := felt.Parse(addr)
	if err != nil || v.Sign() == 0 {
		return "", fmt.Errorf("%w: user address %q", ErrInvalidCommitment, addr)
	}
	return "0x" + v.Text(16), nil
}
