package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/zkdefi/shield-client/internal/amount"
	"github.com/zkdefi/shield-client/internal/commitment"
	"github.com/zkdefi/shield-client/internal/events"
	"github.com/zkdefi/shield-client/internal/poolcall"
	"github.com/zkdefi/shield-client/internal/withdrawal"
)

type WithdrawInput struct {
	Commitment string
	// Amount is a decimal string in whole tokens. Empty withdraws the full balance.
	Amount string
	// Recipient defaults to the user's own address. A relayer withdrawal passes a fresh one.
	Recipient string
}

// StartWithdraw claims the commitment for this flow, obtains a withdrawal proof and builds
// the pool call.
func (o *Orchestrator) StartWithdraw(ctx context.Context, in WithdrawInput) (Snapshot, error) {
	f, err := o.begin(KindWithdraw, nil)
	if err != nil {
		return o.Snapshot(), err
	}

	prep, proof, err := o.requestProof(ctx, f.id, in)

	alive := o.resume(f)
	f.source = prep.source
	f.poolType = prep.source.PoolType
	f.amount = prep.amount
	f.recipient = prep.recipient
	f.claimed = prep.claimed
	if !alive {
		if err == nil {
			o.deps.Prover.Release(proof.CommitmentHash, proof.Amount)
		}
		if f.claimed {
			o.releaseClaim(f)
		}
		o.mu.Unlock()
		return Snapshot{State: StateIdle}, ErrFlowAbandoned
	}
	defer o.mu.Unlock()

	if err == nil {
		f.proof = &proof
		err = o.prepareWithdrawLocked(f)
	}
	if err != nil {
		o.failLocked(f, classify(err, KindService), StateIdle)
		return o.snapshotLocked(), f.errOr(err)
	}
	f.state = StateProofReady
	o.log.Info("withdrawal ready", "flow_id", f.id, "commitment", f.source.Hash, "amount", amount.WeiToDecimal(f.amount), "recipient", f.recipient)
	return o.snapshotLocked(), nil
}

// withdrawPrep is what requestProof learned before the proof call. It is copied into the
// flow once the lock is held again.
type withdrawPrep struct {
	source    commitment.Commitment
	amount    *big.Int
	recipient string
	claimed   bool
}

func (o *Orchestrator) requestProof(ctx context.Context, flowID string, in WithdrawInput) (withdrawPrep, withdrawal.Proof, error) {
	var prep withdrawPrep
	c, err := o.deps.Store.Get(ctx, o.cfg.User, in.Commitment)
	if err != nil {
		return prep, withdrawal.Proof{}, err
	}
	prep.source = c

	balance, err := amount.ParseWei(c.Amount)
	if err != nil {
		return prep, withdrawal.Proof{}, err
	}
	wei := balance
	if strings.TrimSpace(in.Amount) != "" {
		if wei, err = amount.DecimalToWei(in.Amount); err != nil {
			return prep, withdrawal.Proof{}, err
		}
	}
	prep.amount = new(big.Int).Set(wei)

	prep.recipient = strings.TrimSpace(in.Recipient)
	if prep.recipient == "" {
		prep.recipient = o.cfg.User
	}

	claim, ok, err := o.deps.Guard.TryClaim(ctx, o.cfg.User, c.Hash, flowID, o.cfg.ClaimTTL)
	if err != nil {
		return prep, withdrawal.Proof{}, fmt.Errorf("orchestrator: claim %s: %w", c.Hash, err)
	}
	if !ok {
		return prep, withdrawal.Proof{}, fmt.Errorf("%w: held by flow %s until %s", ErrCommitmentBusy, claim.FlowID, claim.ExpiresAt.Format("15:04:05"))
	}
	prep.claimed = true

	p, err := o.deps.Prover.Request(ctx, c, wei, prep.recipient)
	return prep, p, err
}

func (o *Orchestrator) prepareWithdrawLocked(f *flow) error {
	p := f.proof
	recipient := p.Recipient
	if recipient == "" {
		recipient = f.recipient
	}
	call, err := o.deps.Calls.Withdraw(poolcall.WithdrawArgs{
		Nullifier: p.Nullifier,
		Root:      p.Root,
		Recipient: recipient,
		Amount:    p.Amount,
		PoolType:  uint8(p.PoolType),
		Proof:     p.ProofCalldata,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	f.calls = []poolcall.Call{call}
	return nil
}

// settleWithdraw runs once the wallet returned a hash. The nullifier is retired and the
// commitment removed (or decremented) right away so it cannot be submitted twice.
func (o *Orchestrator) settleWithdraw(ctx context.Context, f *flow, txHash string) []string {
	var problems []string
	p := *f.proof
	o.deps.Prover.MarkSubmitted(p)

	full, err := withdrawal.FullSpend(f.source, p.Amount)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("stored balance: %v", err))
	case full:
		if err := o.deps.Store.Remove(ctx, o.cfg.User, p.CommitmentHash); err != nil {
			o.log.Error("remove spent commitment", "commitment", p.CommitmentHash, "tx_hash", txHash, "err", err)
			problems = append(problems, fmt.Sprintf("remove commitment: %v", err))
		}
	case o.cfg.PartialWithdrawals:
		rest, err := withdrawal.Remaining(f.source, p.Amount)
		if err == nil {
			c := f.source.Clone()
			c.Amount = rest.String()
			err = o.deps.Store.Save(ctx, o.cfg.User, c)
		}
		if err != nil {
			o.log.Error("update partially spent commitment", "commitment", p.CommitmentHash, "tx_hash", txHash, "err", err)
			problems = append(problems, fmt.Sprintf("update commitment: %v", err))
		}
	}

	o.publish(ctx, events.Event{Type: events.WithdrawSubmitted, Commitment: p.CommitmentHash, TxHash: txHash, Amount: p.Amount.String()})
	if full {
		o.publish(ctx, events.Event{Type: events.CommitmentSpent, Commitment: p.CommitmentHash, TxHash: txHash})
	}
	return problems
}

// restoreWithdraw puts back a commitment whose withdrawal reverted on chain. The nullifier
// was never consumed, so the entry is still spendable.
func (o *Orchestrator) restoreWithdraw(ctx context.Context, f *flow) error {
	o.deps.Prover.Reinstate(*f.proof)
	c := f.source.Clone()
	if err := o.deps.Store.Save(ctx, o.cfg.User, c); err != nil {
		return fmt.Errorf("orchestrator: restore %s: %w", c.Hash, err)
	}
	return nil
}
