package felt

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	bn254fr "github.com/consensys/gnark-crypto/ecc/bn254/fr"
	starkfp "github.com/consensys/gnark-crypto/ecc/stark-curve/fp"
	"github.com/ethereum/go-ethereum/common/math"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidElement = errors.New("felt: invalid field element")
	ErrNotFelt        = errors.New("felt: value does not fit the stark field")
)

var (
	starkPrime = starkfp.Modulus()
	proofPrime = bn254fr.Modulus()

	selectorMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))
)

// StarkPrime returns P = 2^251 + 17*2^192 + 1, the field of contract felts.
func StarkPrime() *big.Int { return new(big.Int).Set(starkPrime) }

// ProofFieldModulus returns the BN254 scalar field modulus used by proof elements.
func ProofFieldModulus() *big.Int { return new(big.Int).Set(proofPrime) }

// Felt is an element of the STARK field. The zero value is 0.
type Felt struct {
	v *big.Int
}

// ProofElement is an element of the proving curve's scalar field. It is deliberately a
// separate type from Felt: the two reductions are not interchangeable.
type ProofElement struct {
	v *big.Int
}

// ReduceStark maps any integer (including negatives) into [0, P_stark).
func ReduceStark(x *big.Int) Felt {
	return Felt{v: reduce(x, starkPrime)}
}

// ReduceProofField maps any integer into [0, r_bn254).
func ReduceProofField(x *big.Int) ProofElement {
	return ProofElement{v: reduce(x, proofPrime)}
}

// FeltFromString parses s and reduces it into the STARK field.
func FeltFromString(s string) (Felt, error) {
	x, err := Parse(s)
	if err != nil {
		return Felt{}, err
	}
	return ReduceStark(x), nil
}

// StrictFelt parses s and fails when it is not already a canonical felt.
func StrictFelt(s string) (Felt, error) {
	x, err := Parse(s)
	if err != nil {
		return Felt{}, err
	}
	if x.Cmp(starkPrime) >= 0 {
		return Felt{}, fmt.Errorf("%w: %s", ErrNotFelt, s)
	}
	return Felt{v: x}, nil
}

// ProofElementFromString parses a hex or decimal string and reduces it into the proof field.
func ProofElementFromString(s string) (ProofElement, error) {
	x, err := Parse(s)
	if err != nil {
		return ProofElement{}, err
	}
	return ReduceProofField(x), nil
}

func (f Felt) Big() *big.Int { return cloneOrZero(f.v) }

func (f Felt) String() string { return cloneOrZero(f.v).String() }

func (f Felt) Hex() string { return "0x" + cloneOrZero(f.v).Text(16) }

func (f Felt) Equal(o Felt) bool { return cloneOrZero(f.v).Cmp(cloneOrZero(o.v)) == 0 }

func (p ProofElement) Big() *big.Int { return cloneOrZero(p.v) }

func (p ProofElement) String() string { return cloneOrZero(p.v).String() }

// EncodeFelts renders felts as canonical decimal strings for calldata.
func EncodeFelts(values []Felt) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}

// EncodeProofElements renders proof elements as decimal calldata strings, preserving order.
// An element that is valid in the proof field but not below the STARK prime cannot be
// carried as a felt and is rejected instead of being wrapped.
func EncodeProofElements(values []ProofElement) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		b := v.Big()
		if b.Cmp(starkPrime) >= 0 {
			return nil, fmt.Errorf("%w: proof element %d", ErrNotFelt, i)
		}
		out[i] = b.String()
	}
	return out, nil
}

// IsFelt reports whether x is in [0, P_stark).
func IsFelt(x *big.Int) bool {
	return x != nil && x.Sign() >= 0 && x.Cmp(starkPrime) < 0
}

// Parse reads a non-negative 0x-prefixed hex or decimal string of at most 256 bits.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidElement)
	}
	x, ok := math.ParseBig256(s)
	if !ok || x.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidElement, s)
	}
	return x, nil
}

// ParseHex reads a hex string with or without the 0x prefix. Hashes returned by the proof
// and tree services (commitments, nullifiers, roots, proof elements) are always hex.
func ParseHex(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidElement)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return Parse(s)
}

// Selector computes the Starknet entrypoint selector: keccak256(name) truncated to 250 bits.
func Selector(name string) Felt {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(name))
	x := new(big.Int).SetBytes(h.Sum(nil))
	return Felt{v: x.And(x, selectorMask)}
}

func reduce(x, p *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	// Mod is Euclidean, so negative inputs land in [0, p).
	return new(big.Int).Mod(x, p)
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
