// Package orchestrator drives one deposit or withdrawal at a time from user input to a
// signed transaction: proof generation, call construction, wallet execution and the
// bookkeeping that follows.
//
// A flow moves Idle -> ProofPending -> ProofReady -> AwaitingSignature -> Settled. Any
// non-terminal state can fall into Error. Acknowledge leaves Error for Idle (input and
// service failures) or ProofReady (signing failures, so the proof is reused). Reset abandons
// whatever is in progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zkdefi/shield-client/internal/amount"
	"github.com/zkdefi/shield-client/internal/commitment"
	"github.com/zkdefi/shield-client/internal/events"
	"github.com/zkdefi/shield-client/internal/metrics"
	"github.com/zkdefi/shield-client/internal/poolapi"
	"github.com/zkdefi/shield-client/internal/poolcall"
	"github.com/zkdefi/shield-client/internal/spendguard"
	"github.com/zkdefi/shield-client/internal/wallet"
	"github.com/zkdefi/shield-client/internal/withdrawal"
)

var (
	ErrInvalidConfig     = errors.New("orchestrator: invalid config")
	ErrBusy              = errors.New("orchestrator: another flow is in progress")
	ErrInvalidTransition = errors.New("orchestrator: invalid state transition")
	// ErrFlowAbandoned is returned to callers whose flow was reset while they waited on
	// the network. Their result has been discarded.
	ErrFlowAbandoned  = errors.New("orchestrator: flow abandoned")
	ErrCommitmentBusy = errors.New("orchestrator: commitment is being spent by another flow")
	ErrBadResponse    = errors.New("orchestrator: unusable service response")
)

type State string

const (
	StateIdle              State = "idle"
	StateProofPending      State = "proof_pending"
	StateProofReady        State = "proof_ready"
	StateAwaitingSignature State = "awaiting_signature"
	StateSettled           State = "settled"
	StateError             State = "error"
)

type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

type CommitmentService interface {
	GenerateCommitment(ctx context.Context, req poolapi.GenerateCommitmentRequest) (poolapi.CommitmentSecrets, error)
}

type Signer interface {
	Execute(ctx context.Context, calls []poolcall.Call) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (wallet.Receipt, error)
}

// Registrar records freshly deposited commitments in the Merkle tree.
type Registrar interface {
	Register(ctx context.Context, user string, hash string) (commitment.Commitment, error)
}

type Prover interface {
	Request(ctx context.Context, c commitment.Commitment, withdrawWei *big.Int, recipient string) (withdrawal.Proof, error)
	Release(hash string, amt *big.Int)
	MarkSubmitted(p withdrawal.Proof)
	Reinstate(p withdrawal.Proof)
}

// Deps are the collaborators of an Orchestrator. Guard, Events and Metrics are optional.
type Deps struct {
	Commitments CommitmentService
	Prover      Prover
	Signer      Signer
	Registrar   Registrar
	Store       commitment.Store
	Calls       *poolcall.Builder

	Guard   spendguard.Store
	Events  events.Publisher
	Metrics *metrics.Metrics
}

type Config struct {
	// User is the wallet address flows are run for.
	User string

	CommitmentTimeout time.Duration
	SignTimeout       time.Duration
	// ReceiptTimeout bounds the wait for a receipt after submission. Zero skips the wait.
	ReceiptTimeout time.Duration
	// RegisterTimeout bounds the post-deposit registration step.
	RegisterTimeout time.Duration
	ClaimTTL        time.Duration

	// PartialWithdrawals keeps the commitment with a decremented amount after a partial
	// spend. Must match the requestor's setting.
	PartialWithdrawals bool
}

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu  sync.Mutex
	cur *flow
}

type flow struct {
	id       string
	kind     Kind
	state    State
	returnTo State
	// busy is set while a network call for this flow runs outside the lock. The caller
	// owns cleanup of a busy flow that gets abandoned.
	busy bool

	amount    *big.Int
	poolType  commitment.PoolType
	recipient string

	secrets poolapi.CommitmentSecrets
	source  commitment.Commitment
	proof   *withdrawal.Proof
	claimed bool
	calls   []poolcall.Call

	txHash      string
	receipt     *wallet.Receipt
	pending     bool
	reverted    bool
	bookkeeping []string
	err         *FlowError
}

func New(cfg Config, deps Deps, log *slog.Logger) (*Orchestrator, error) {
	user, err := commitment.NormalizeUser(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrInvalidConfig, err)
	}
	cfg.User = user
	if deps.Commitments == nil || deps.Prover == nil || deps.Signer == nil || deps.Registrar == nil || deps.Store == nil || deps.Calls == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.CommitmentTimeout < 0 || cfg.SignTimeout < 0 || cfg.ReceiptTimeout < 0 || cfg.RegisterTimeout < 0 || cfg.ClaimTTL < 0 {
		return nil, fmt.Errorf("%w: timeouts must be >= 0", ErrInvalidConfig)
	}
	if cfg.CommitmentTimeout == 0 {
		cfg.CommitmentTimeout = time.Minute
	}
	if cfg.SignTimeout == 0 {
		cfg.SignTimeout = 10 * time.Minute
	}
	if cfg.RegisterTimeout == 0 {
		cfg.RegisterTimeout = 30 * time.Second
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = 15 * time.Minute
	}
	if deps.Guard == nil {
		deps.Guard = spendguard.NewMemoryStore(nil)
	}
	if deps.Events == nil {
		deps.Events, _ = events.New(events.Config{Driver: events.DriverNone})
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  log,
		now:  time.Now,
	}, nil
}

// Snapshot is a read-only view of the current flow.
type Snapshot struct {
	FlowID string
	Kind   Kind
	State  State

	Commitment string
	// Amount is in base units.
	Amount    *big.Int
	PoolType  commitment.PoolType
	Recipient string
	Calls     []poolcall.Call

	TxHash  string
	Receipt *wallet.Receipt
	// SettlementPending means the transaction was submitted but its outcome is unknown.
	SettlementPending bool
	Reverted          bool
	// Bookkeeping lists follow-up steps that failed after submission. The flow still
	// settled; these only need attention.
	Bookkeeping []string

	Err *FlowError
}

func (s Snapshot) AmountDecimal() string {
	if s.Amount == nil {
		return ""
	}
	return amount.WeiToDecimal(s.Amount)
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return o.snapshotOf(o.cur)
}

// snapshotOf renders f, which need not be the current flow. Callers hold the lock.
func (o *Orchestrator) snapshotOf(f *flow) Snapshot {
	if f == nil {
		return Snapshot{State: StateIdle}
	}
	s := Snapshot{
		FlowID:            f.id,
		Kind:              f.kind,
		State:             f.state,
		PoolType:          f.poolType,
		Recipient:         f.recipient,
		TxHash:            f.txHash,
		SettlementPending: f.pending,
		Reverted:          f.reverted,
		Bookkeeping:       append([]string(nil), f.bookkeeping...),
		Err:               f.err,
	}
	if f.amount != nil {
		s.Amount = new(big.Int).Set(f.amount)
	}
	s.Commitment = f.commitmentHash()
	if len(f.calls) > 0 {
		s.Calls = make([]poolcall.Call, len(f.calls))
		for i, c := range f.calls {
			c.Calldata = append([]string(nil), c.Calldata...)
			s.Calls[i] = c
		}
	}
	if f.receipt != nil {
		r := *f.receipt
		s.Receipt = &r
	}
	return s
}

// Acknowledge clears an Error. Signing failures return to ProofReady with the proof intact;
// everything else returns to Idle.
func (o *Orchestrator) Acknowledge() (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f := o.cur
	if f == nil || f.state != StateError {
		return o.snapshotLocked(), fmt.Errorf("%w: acknowledge outside error state", ErrInvalidTransition)
	}
	if f.returnTo == StateProofReady {
		f.state = StateProofReady
		f.err = nil
		return o.snapshotLocked(), nil
	}
	o.releaseLocked(f)
	o.cur = nil
	return o.snapshotLocked(), nil
}

// Reset abandons the current flow. A network call still in flight completes, but its
// result is discarded by the caller that started it.
func (o *Orchestrator) Reset() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f := o.cur; f != nil {
		switch {
		case f.state == StateSettled, f.state == StateError:
		case f.busy && f.state == StateAwaitingSignature:
			// Submit still owns the outcome; the wallet may already hold the transaction.
			o.log.Info("flow abandoned while signing", "flow_id", f.id, "kind", f.kind)
		default:
			o.deps.Metrics.FlowFinished(string(f.kind), "abandoned")
			o.log.Info("flow abandoned", "flow_id", f.id, "kind", f.kind, "state", f.state)
		}
		if !f.busy {
			o.releaseLocked(f)
		}
		o.cur = nil
	}
	return Snapshot{State: StateIdle}
}

// begin claims the single flow slot.
func (o *Orchestrator) begin(kind Kind, init func(*flow)) (*flow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cur != nil {
		return nil, fmt.Errorf("%w: %s flow %s is %s", ErrBusy, o.cur.kind, o.cur.id, o.cur.state)
	}
	f := &flow{
		id:    uuid.NewString(),
		kind:  kind,
		state: StateProofPending,
		busy:  true,
	}
	if init != nil {
		init(f)
	}
	o.cur = f
	o.deps.Metrics.FlowStarted(string(kind))
	return f, nil
}

// resume re-acquires the lock after a network call. It reports false when f was
// abandoned in the meantime; the lock is held either way.
func (o *Orchestrator) resume(f *flow) bool {
	o.mu.Lock()
	f.busy = false
	return o.cur == f
}

// failLocked moves f into Error. Input errors never leave a flow behind.
func (o *Orchestrator) failLocked(f *flow, fe *FlowError, returnTo State) {
	if fe.Kind == KindInput {
		o.releaseLocked(f)
		o.cur = nil
		o.deps.Metrics.FlowFinished(string(f.kind), "rejected")
		return
	}
	f.state = StateError
	f.returnTo = returnTo
	f.err = fe
	if returnTo == StateIdle {
		o.releaseLocked(f)
	}
	o.deps.Metrics.FlowFinished(string(f.kind), "error")
	o.log.Warn("flow failed", "flow_id", f.id, "kind", f.kind, "error_kind", fe.Kind, "retryable", fe.Retryable, "err", fe.Err)
}

// releaseLocked returns the proof reservation and spend claim a flow still holds.
func (o *Orchestrator) releaseLocked(f *flow) {
	if f.proof != nil && f.txHash == "" {
		o.deps.Prover.Release(f.proof.CommitmentHash, f.proof.Amount)
		f.proof = nil
	}
	if f.claimed {
		o.releaseClaim(f)
	}
}

func (o *Orchestrator) releaseClaim(f *flow) {
	f.claimed = false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Guard.Release(ctx, o.cfg.User, f.source.Hash, f.id); err != nil {
		o.log.Warn("release spend claim", "commitment", f.source.Hash, "flow_id", f.id, "err", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	e.User = o.cfg.User
	e.At = o.now().UTC()
	if err := o.deps.Events.Publish(ctx, e); err != nil {
		o.log.Warn("publish event", "type", e.Type, "err", err)
	}
}
