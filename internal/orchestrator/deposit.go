package orchestrator

import (
	"context"
	"fmt"

	"github.com/zkdefi/shield-client/internal/amount"
	"github.com/zkdefi/shield-client/internal/commitment"
	"github.com/zkdefi/shield-client/internal/events"
	"github.com/zkdefi/shield-client/internal/poolapi"
)

type DepositInput struct {
	// Amount is a decimal string in whole tokens, e.g. "2.5".
	Amount   string
	PoolType commitment.PoolType
}

// StartDeposit asks the proof service for a fresh commitment and prepares the approve and
// deposit multicall. Nothing touches the chain until Submit.
func (o *Orchestrator) StartDeposit(ctx context.Context, in DepositInput) (Snapshot, error) {
	wei, err := amount.DecimalToWei(in.Amount)
	if err != nil {
		return o.Snapshot(), inputError(err)
	}
	if wei.Sign() <= 0 {
		return o.Snapshot(), inputError(fmt.Errorf("%w: deposit must be > 0", amount.ErrInvalidAmount))
	}

	f, err := o.begin(KindDeposit, func(f *flow) {
		f.amount = wei
		f.poolType = in.PoolType
	})
	if err != nil {
		return o.Snapshot(), err
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CommitmentTimeout)
	secrets, err := o.deps.Commitments.GenerateCommitment(cctx, poolapi.GenerateCommitmentRequest{
		UserAddress: o.cfg.User,
		Amount:      wei.String(),
		PoolType:    uint8(in.PoolType),
	})
	cancel()

	if !o.resume(f) {
		o.mu.Unlock()
		return Snapshot{State: StateIdle}, ErrFlowAbandoned
	}
	defer o.mu.Unlock()

	if err == nil {
		err = o.prepareDepositLocked(f, secrets)
	}
	if err != nil {
		o.failLocked(f, classify(err, KindService), StateIdle)
		return o.snapshotLocked(), f.errOr(err)
	}
	f.state = StateProofReady
	o.log.Info("deposit ready", "flow_id", f.id, "commitment", f.secrets.Commitment, "amount", amount.WeiToDecimal(wei), "pool_type", in.PoolType)
	return o.snapshotLocked(), nil
}

// prepareDepositLocked checks the service's answer and builds the calls. A commitment that
// does not match what was asked for is never submitted.
func (o *Orchestrator) prepareDepositLocked(f *flow, s poolapi.CommitmentSecrets) error {
	hash, err := commitment.NormalizeHash(s.Commitment)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if s.Amount != "" {
		got, err := amount.ParseWei(s.Amount)
		if err != nil || got.Cmp(f.amount) != 0 {
			return fmt.Errorf("%w: commitment amount %q, requested %s", ErrBadResponse, s.Amount, f.amount)
		}
	}
	s.Commitment = hash
	s.Amount = f.amount.String()
	if err := o.record(f, s).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	calls, err := o.deps.Calls.Deposit(hash, f.amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	f.secrets = s
	f.calls = calls
	return nil
}

func (o *Orchestrator) record(f *flow, s poolapi.CommitmentSecrets) commitment.Commitment {
	return commitment.Commitment{
		Hash:       s.Commitment,
		UserSecret: s.UserSecret,
		Amount:     s.Amount,
		PoolType:   f.poolType,
		Nonce:      s.Nonce,
		Blinding:   s.Blinding,
	}
}

// settleDeposit persists the commitment and registers it. Both steps are best effort: the
// deposit already happened, so failures are reported but never fail the flow.
func (o *Orchestrator) settleDeposit(ctx context.Context, f *flow, txHash string) []string {
	var problems []string
	c := o.record(f, f.secrets)
	c.DepositTxHash = txHash

	if err := o.deps.Store.Save(ctx, o.cfg.User, c); err != nil {
		o.log.Error("persist deposited commitment", "commitment", c.Hash, "tx_hash", txHash, "err", err)
		problems = append(problems, fmt.Sprintf("save commitment: %v", err))
		return problems
	}
	o.publish(ctx, events.Event{Type: events.DepositSubmitted, Commitment: c.Hash, TxHash: txHash, Amount: c.Amount})

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RegisterTimeout)
	defer cancel()
	if _, err := o.deps.Registrar.Register(rctx, o.cfg.User, c.Hash); err != nil {
		problems = append(problems, fmt.Sprintf("register commitment: %v", err))
	}
	return problems
}

func (f *flow) errOr(err error) error {
	if f.err != nil {
		return f.err
	}
	return classify(err, KindService)
}
