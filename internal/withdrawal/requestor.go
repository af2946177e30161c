// Package withdrawal obtains withdrawal proofs for stored commitments. It owns the local
// checks that must pass before the proof service is contacted and the per-session
// bookkeeping that keeps one commitment from being over-spent.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/zkdefi/shield-client/internal/amount"
	"github.com/zkdefi/shield-client/internal/commitment"
	"github.com/zkdefi/shield-client/internal/felt"
	"github.com/zkdefi/shield-client/internal/lifecycle"
	"github.com/zkdefi/shield-client/internal/poolapi"
)

var (
	ErrInvalidConfig       = errors.New("withdrawal: invalid config")
	ErrInvalidAmount       = errors.New("withdrawal: invalid amount")
	ErrInsufficientBalance = errors.New("withdrawal: amount exceeds commitment balance")
	ErrPartialWithdrawal   = errors.New("withdrawal: partial withdrawals are disabled")
	ErrNotSynced           = errors.New("withdrawal: commitment has no leaf index; sync it first")
	ErrInvalidRecipient    = errors.New("withdrawal: invalid recipient")
	ErrNullifierSpent      = errors.New("withdrawal: nullifier already submitted this session")
	ErrInvalidProof        = errors.New("withdrawal: invalid proof response")
)

// IsInputError reports whether err was raised before any network call.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrPartialWithdrawal) ||
		errors.Is(err, ErrNotSynced) ||
		errors.Is(err, ErrInvalidRecipient) ||
		errors.Is(err, amount.ErrInvalidAmount)
}

type ProofService interface {
	GenerateWithdrawProof(ctx context.Context, req poolapi.WithdrawProofRequest) (poolapi.WithdrawProof, error)
}

type Config struct {
	// PartialWithdrawals allows withdrawing less than a commitment's full amount.
	PartialWithdrawals bool
	// RequestTimeout bounds one proof generation.
	RequestTimeout time.Duration
}

// Proof is a withdrawal proof together with what it was generated for.
type Proof struct {
	Nullifier     string
	Root          string
	Recipient     string
	ProofCalldata []string

	CommitmentHash string
	Amount         *big.Int
	PoolType       commitment.PoolType
}

type Requestor struct {
	cfg Config
	svc ProofService
	log *slog.Logger

	mu        sync.Mutex
	reserved  map[string]*big.Int
	submitted map[string]string
}

func New(cfg Config, svc ProofService, log *slog.Logger) (*Requestor, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil proof service", ErrInvalidConfig)
	}
	if cfg.RequestTimeout < 0 {
		return nil, fmt.Errorf("%w: RequestTimeout must be >= 0", ErrInvalidConfig)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Requestor{
		cfg:       cfg,
		svc:       svc,
		log:       log,
		reserved:  make(map[string]*big.Int),
		submitted: make(map[string]string),
	}, nil
}

// Request obtains a proof for withdrawing withdrawWei from c to recipient. Input problems are
// reported before any network call. On success withdrawWei stays reserved against c until
// Release or MarkSubmitted.
func (r *Requestor) Request(ctx context.Context, c commitment.Commitment, withdrawWei *big.Int, recipient string) (Proof, error) {
	hash, err := commitment.NormalizeHash(c.Hash)
	if err != nil {
		return Proof{}, err
	}
	if withdrawWei == nil || withdrawWei.Sign() <= 0 {
		return Proof{}, fmt.Errorf("%w: must be > 0", ErrInvalidAmount)
	}
	balance, err := amount.ParseWei(c.Amount)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: stored balance: %v", ErrInvalidAmount, err)
	}
	if withdrawWei.Cmp(balance) > 0 {
		return Proof{}, fmt.Errorf("%w: %s > %s", ErrInsufficientBalance, amount.WeiToDecimal(withdrawWei), amount.WeiToDecimal(balance))
	}
	if !r.cfg.PartialWithdrawals && withdrawWei.Cmp(balance) != 0 {
		return Proof{}, fmt.Errorf("%w: withdraw the full %s", ErrPartialWithdrawal, amount.WeiToDecimal(balance))
	}
	to, err := felt.StrictFelt(recipient)
	if err != nil || to.Big().Sign() == 0 {
		return Proof{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	if c.LeafIndex == nil && c.SyncAttemptedAt == nil {
		return Proof{}, ErrNotSynced
	}

	if err := r.reserve(hash, withdrawWei, balance); err != nil {
		return Proof{}, err
	}
	keep := false
	defer func() {
		if !keep {
			r.Release(hash, withdrawWei)
		}
	}()

	req := poolapi.WithdrawProofRequest{
		Secrets:        lifecycle.SecretsOf(c),
		WithdrawAmount: withdrawWei.String(),
		Recipient:      to.Hex(),
		LeafIndex:      -1,
	}
	if c.LeafIndex != nil {
		req.LeafIndex = int64(*c.LeafIndex)
	}
	if c.HasPath() {
		req.MerkleRoot = c.MerkleRoot
		req.PathElements = c.PathElements
		req.PathIndices = c.PathIndices
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	res, err := r.svc.GenerateWithdrawProof(pctx, req)
	if err != nil {
		return Proof{}, err
	}

	nullifier, err := felt.ParseHex(res.Nullifier)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: nullifier: %v", ErrInvalidProof, err)
	}
	if _, err := felt.ParseHex(res.Root); err != nil {
		return Proof{}, fmt.Errorf("%w: root: %v", ErrInvalidProof, err)
	}
	if len(res.ProofCalldata) == 0 {
		return Proof{}, fmt.Errorf("%w: empty proof calldata", ErrInvalidProof)
	}
	nkey := "0x" + nullifier.Text(16)

	r.mu.Lock()
	prev, spent := r.submitted[nkey]
	r.mu.Unlock()
	if spent {
		return Proof{}, fmt.Errorf("%w: %s (commitment %s)", ErrNullifierSpent, nkey, prev)
	}

	r.log.Info("withdrawal proof ready",
		"commitment", hash,
		"leaf_index", req.LeafIndex,
		"cached_path", c.HasPath(),
		"elements", len(res.ProofCalldata),
		"elapsed", time.Since(start),
	)
	keep = true
	out := Proof{
		Nullifier:      res.Nullifier,
		Root:           res.Root,
		Recipient:      res.Recipient,
		ProofCalldata:  append([]string(nil), res.ProofCalldata...),
		CommitmentHash: hash,
		Amount:         new(big.Int).Set(withdrawWei),
		PoolType:       c.PoolType,
	}
	if out.Recipient == "" {
		out.Recipient = to.Hex()
	}
	return out, nil
}

func (r *Requestor) reserve(hash string, amt, balance *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.reserved[hash]
	if cur == nil {
		cur = new(big.Int)
	}
	next := new(big.Int).Add(cur, amt)
	if next.Cmp(balance) > 0 {
		return fmt.Errorf("%w: %s already reserved by another withdrawal", ErrInsufficientBalance, amount.WeiToDecimal(cur))
	}
	r.reserved[hash] = next
	return nil
}

// Release returns a reservation made by Request, e.g. when its flow is abandoned.
func (r *Requestor) Release(hash string, amt *big.Int) {
	h, err := commitment.NormalizeHash(hash)
	if err != nil || amt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.reserved[h]
	if cur == nil {
		return
	}
	next := new(big.Int).Sub(cur, amt)
	if next.Sign() <= 0 {
		delete(r.reserved, h)
		return
	}
	r.reserved[h] = next
}

// Reserved reports how much of a commitment is held by outstanding proofs.
func (r *Requestor) Reserved(hash string) *big.Int {
	h, err := commitment.NormalizeHash(hash)
	if err != nil {
		return new(big.Int)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.reserved[h]; cur != nil {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// MarkSubmitted records that p went on chain. Its nullifier will not be accepted again this
// session and its reservation is settled against the stored balance.
func (r *Requestor) MarkSubmitted(p Proof) {
	n, err := felt.ParseHex(p.Nullifier)
	if err == nil {
		r.mu.Lock()
		r.submitted["0x"+n.Text(16)] = p.CommitmentHash
		r.mu.Unlock()
	}
	r.Release(p.CommitmentHash, p.Amount)
}

// Reinstate undoes MarkSubmitted for a transaction that reverted on chain, so the same
// commitment can be withdrawn again this session.
func (r *Requestor) Reinstate(p Proof) {
	n, err := felt.ParseHex(p.Nullifier)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.submitted, "0x"+n.Text(16))
	r.mu.Unlock()
}

// FullSpend reports whether withdrawing amt consumes all of c.
func FullSpend(c commitment.Commitment, amt *big.Int) (bool, error) {
	balance, err := amount.ParseWei(c.Amount)
	if err != nil {
		return false, err
	}
	return amt != nil && amt.Cmp(balance) >= 0, nil
}

// Remaining is c's balance after withdrawing amt.
func Remaining(c commitment.Commitment, amt *big.Int) (*big.Int, error) {
	balance, err := amount.ParseWei(c.Amount)
	if err != nil {
		return nil, err
	}
	if amt == nil || amt.Sign() < 0 || amt.Cmp(balance) > 0 {
		return nil, ErrInsufficientBalance
	}
	return new(big.Int).Sub(balance, amt), nil
}
