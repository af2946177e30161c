// Package poolcall builds the contract calls that move funds into and out of the pool.
// Calldata layouts are fixed by the deployed contracts and must match them exactly.
package poolcall

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/zkdefi/shield-client/internal/amount"
	"github.com/zkdefi/shield-client/internal/felt"
)

const (
	EntrypointApprove      = "approve"
	EntrypointDeposit      = "deposit"
	EntrypointDepositU256  = "deposit_u256"
	EntrypointWithdraw     = "withdraw"
	EntrypointWithdrawU256 = "withdraw_u256"
)

var (
	ErrInvalidConfig = errors.New("poolcall: invalid config")
	ErrInvalidArgs   = errors.New("poolcall: invalid arguments")
)

// Call is one contract invocation inside a multicall.
type Call struct {
	ContractAddress string   `json:"contract_address"`
	Entrypoint      string   `json:"entrypoint"`
	Calldata        []string `json:"calldata"`
}

// Selector is the entrypoint selector the account contract dispatches on.
func (c Call) Selector() felt.Felt { return felt.Selector(c.Entrypoint) }

type Config struct {
	PoolAddress  string
	TokenAddress string
	// FeltDeposit selects deposit(felt252, u256) over deposit_u256 when the commitment fits a felt.
	FeltDeposit bool
	// FeltWithdraw selects withdraw(felt252, felt252, ...) when nullifier and root fit a felt.
	FeltWithdraw bool
}

type Builder struct {
	pool         felt.Felt
	token        felt.Felt
	feltDeposit  bool
	feltWithdraw bool
}

func NewBuilder(cfg Config) (*Builder, error) {
	pool, err := address(cfg.PoolAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: pool address: %v", ErrInvalidConfig, err)
	}
	token, err := address(cfg.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: token address: %v", ErrInvalidConfig, err)
	}
	// The pool has no approve entrypoint; a token address copied from the pool would make
	// every deposit revert.
	if pool.Equal(token) {
		return nil, fmt.Errorf("%w: token address equals pool address", ErrInvalidConfig)
	}
	return &Builder{
		pool:         pool,
		token:        token,
		feltDeposit:  cfg.FeltDeposit,
		feltWithdraw: cfg.FeltWithdraw,
	}, nil
}

func (b *Builder) PoolAddress() string { return b.pool.Hex() }

// Deposit returns the approve and deposit calls that must be signed together so the pool
// can pull exactly amountWei from the token contract.
func (b *Builder) Deposit(commitmentHash string, amountWei *big.Int) ([]Call, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be > 0", ErrInvalidArgs)
	}
	lo, hi, err := amount.SplitU256(amountWei)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	cm, err := felt.ParseHex(commitmentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: commitment: %v", ErrInvalidArgs, err)
	}

	approve := Call{
		ContractAddress: b.token.Hex(),
		Entrypoint:      EntrypointApprove,
		Calldata:        []string{b.pool.String(), lo.String(), hi.String()},
	}

	var deposit Call
	if b.feltDeposit && felt.IsFelt(cm) {
		deposit = Call{
			ContractAddress: b.pool.Hex(),
			Entrypoint:      EntrypointDeposit,
			Calldata:        []string{cm.String(), lo.String(), hi.String()},
		}
	} else {
		cLo, cHi, err := amount.SplitU256(cm)
		if err != nil {
			return nil, fmt.Errorf("%w: commitment: %v", ErrInvalidArgs, err)
		}
		deposit = Call{
			ContractAddress: b.pool.Hex(),
			Entrypoint:      EntrypointDepositU256,
			Calldata:        []string{cLo.String(), cHi.String(), lo.String(), hi.String()},
		}
	}
	return []Call{approve, deposit}, nil
}

type WithdrawArgs struct {
	Nullifier string
	Root      string
	Recipient string
	Amount    *big.Int
	PoolType  uint8
	// Proof is the verifier calldata in the order the proof service produced it.
	Proof []string
}

func (b *Builder) Withdraw(args WithdrawArgs) (Call, error) {
	if args.Amount == nil || args.Amount.Sign() <= 0 {
		return Call{}, fmt.Errorf("%w: withdraw amount must be > 0", ErrInvalidArgs)
	}
	if len(args.Proof) == 0 {
		return Call{}, fmt.Errorf("%w: empty proof", ErrInvalidArgs)
	}
	lo, hi, err := amount.SplitU256(args.Amount)
	if err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	nullifier, err := felt.ParseHex(args.Nullifier)
	if err != nil {
		return Call{}, fmt.Errorf("%w: nullifier: %v", ErrInvalidArgs, err)
	}
	root, err := felt.ParseHex(args.Root)
	if err != nil {
		return Call{}, fmt.Errorf("%w: root: %v", ErrInvalidArgs, err)
	}
	recipient, err := address(args.Recipient)
	if err != nil {
		return Call{}, fmt.Errorf("%w: recipient: %v", ErrInvalidArgs, err)
	}
	proof, err := encodeProof(args.Proof)
	if err != nil {
		return Call{}, err
	}

	tail := make([]string, 0, 5+len(proof))
	tail = append(tail,
		recipient.String(),
		lo.String(),
		hi.String(),
		strconv.Itoa(int(args.PoolType)),
		strconv.Itoa(len(proof)),
	)
	tail = append(tail, proof...)

	if b.feltWithdraw && felt.IsFelt(nullifier) && felt.IsFelt(root) {
		calldata := append([]string{nullifier.String(), root.String()}, tail...)
		return Call{ContractAddress: b.pool.Hex(), Entrypoint: EntrypointWithdraw, Calldata: calldata}, nil
	}

	nLo, nHi, err := amount.SplitU256(nullifier)
	if err != nil {
		return Call{}, fmt.Errorf("%w: nullifier: %v", ErrInvalidArgs, err)
	}
	rLo, rHi, err := amount.SplitU256(root)
	if err != nil {
		return Call{}, fmt.Errorf("%w: root: %v", ErrInvalidArgs, err)
	}
	calldata := append([]string{nLo.String(), nHi.String(), rLo.String(), rHi.String()}, tail...)
	return Call{ContractAddress: b.pool.Hex(), Entrypoint: EntrypointWithdrawU256, Calldata: calldata}, nil
}

// encodeProof reduces each hex proof element into the proof field and renders it as a felt.
func encodeProof(raw []string) ([]string, error) {
	elems := make([]felt.ProofElement, len(raw))
	for i, s := range raw {
		x, err := felt.ParseHex(s)
		if err != nil {
			return nil, fmt.Errorf("%w: proof element %d: %v", ErrInvalidArgs, i, err)
		}
		elems[i] = felt.ReduceProofField(x)
	}
	out, err := felt.EncodeProofElements(elems)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return out, nil
}

// address parses a contract or account address, which must be a non-zero felt.
func address(s string) (felt.Felt, error) {
	f, err := felt.StrictFelt(s)
	if err != nil {
		return felt.Felt{}, err
	}
	if f.Big().Sign() == 0 {
		return felt.Felt{}, fmt.Errorf("zero address")
	}
	return f, nil
}
