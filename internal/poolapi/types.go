package poolapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a field element, secret or amount as sent by the services. The backend emits
// these as JSON strings, but older deployments returned bare numbers; both decode to the
// same decimal or hex text.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("poolapi: expected string or number, got %s", b)
	}
	*v = Value(n.String())
	return nil
}

func (v Value) String() string { return string(v) }

func values(vs []Value) []string {
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

type GenerateCommitmentRequest struct {
	UserAddress string `json:"user_address"`
	Amount      string `json:"amount"`
	PoolType    uint8  `json:"pool_type"`
}

// CommitmentSecrets is the freshly generated commitment and the private fields needed to
// spend it later.
type CommitmentSecrets struct {
	Commitment string
	UserSecret string
	Nonce      string
	Blinding   string
	Amount     string
}

type generateCommitmentResponse struct {
	Commitment Value  `json:"commitment"`
	UserSecret Value  `json:"user_secret"`
	Nonce      Value  `json:"nonce"`
	Blinding   Value  `json:"blinding"`
	Amount     Value  `json:"amount"`
	Detail     string `json:"detail"`
}

// Secrets identifies a commitment to the services by its private fields.
type Secrets struct {
	UserSecret string `json:"user_secret"`
	Amount     string `json:"amount"`
	PoolType   uint8  `json:"pool_type"`
	Nonce      string `json:"nonce"`
	Blinding   string `json:"blinding"`
}

type WithdrawProofRequest struct {
	Secrets
	WithdrawAmount string `json:"withdraw_amount"`
	Recipient      string `json:"recipient"`
	// LeafIndex is -1 when the service must locate the commitment itself.
	LeafIndex    int64    `json:"leaf_index"`
	MerkleRoot   string   `json:"merkle_root,omitempty"`
	PathElements []string `json:"path_elements,omitempty"`
	PathIndices  []int    `json:"path_indices,omitempty"`
}

type WithdrawProof struct {
	Nullifier     string
	Root          string
	Recipient     string
	ProofCalldata []string
}

type withdrawProofResponse struct {
	Nullifier     Value   `json:"nullifier"`
	Root          Value   `json:"root"`
	Recipient     Value   `json:"recipient"`
	ProofCalldata []Value `json:"proof_calldata"`
	Detail        string  `json:"detail"`
}

type registerRequest struct {
	Commitment string `json:"commitment"`
}

// Inclusion is a commitment's position in the tree and, when the service supplies one, its
// authentication path.
type Inclusion struct {
	LeafIndex    uint64
	MerkleRoot   string
	PathElements []string
	PathIndices  []int
}

type registerResponse struct {
	LeafIndex    *int64  `json:"leaf_index"`
	MerkleRoot   Value   `json:"merkle_root"`
	PathElements []Value `json:"path_elements"`
	PathIndices  []int   `json:"path_indices"`
	Detail       string  `json:"detail"`
}

type rootResponse struct {
	Root   Value  `json:"root"`
	Detail string `json:"detail"`
}

type FindResult struct {
	Found      bool
	LeafIndex  *uint64
	MerkleRoot string
	Message    string
}

type findResponse struct {
	Found      bool   `json:"found"`
	LeafIndex  *int64 `json:"leaf_index"`
	MerkleRoot Value  `json:"merkle_root"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
}

type DisclosureKind string

const (
	DiscloseBalanceAbove   DisclosureKind = "balance_above"
	DisclosePoolMembership DisclosureKind = "pool_membership"
)

type DisclosureRequest struct {
	Secrets
	// Threshold is an integer amount in base units; only used for DiscloseBalanceAbove.
	Threshold string  `json:"threshold,omitempty"`
	LeafIndex *uint64 `json:"leaf_index"`
}

type DisclosureResult struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
	Detail   string `json:"detail"`
}
