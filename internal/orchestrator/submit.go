package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/zkdefi/shield-client/internal/events"
	"github.com/zkdefi/shield-client/internal/poolcall"
	"github.com/zkdefi/shield-client/internal/spendguard"
	"github.com/zkdefi/shield-client/internal/wallet"
)

// Submit hands the prepared calls to the wallet. Once a transaction hash comes back the
// flow settles: the commitment bookkeeping runs even if ctx is cancelled, and a failed or
// missing receipt only marks the settlement pending.
func (o *Orchestrator) Submit(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	f := o.cur
	if f == nil || f.state != StateProofReady {
		s := o.snapshotLocked()
		o.mu.Unlock()
		return s, fmt.Errorf("%w: submit requires %s", ErrInvalidTransition, StateProofReady)
	}
	if f.kind == KindWithdraw {
		if err := o.holdClaimLocked(ctx, f); err != nil {
			o.failLocked(f, classify(err, KindService), StateProofReady)
			s := o.snapshotLocked()
			o.mu.Unlock()
			return s, f.errOr(err)
		}
	}
	f.state = StateAwaitingSignature
	f.busy = true
	calls := make([]poolcall.Call, len(f.calls))
	copy(calls, f.calls)
	o.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, o.cfg.SignTimeout)
	txHash, err := o.deps.Signer.Execute(sctx, calls)
	cancel()

	alive := o.resume(f)
	if err != nil {
		if !alive {
			o.releaseLocked(f)
			o.deps.Metrics.FlowFinished(string(f.kind), "abandoned")
			o.mu.Unlock()
			return Snapshot{State: StateIdle}, ErrFlowAbandoned
		}
		o.failLocked(f, classify(err, KindSigning), StateProofReady)
		s := o.snapshotLocked()
		o.mu.Unlock()
		return s, f.err
	}
	f.txHash = txHash
	f.busy = true
	o.mu.Unlock()

	o.log.Info("transaction submitted", "flow_id", f.id, "kind", f.kind, "tx_hash", txHash)

	// The funds have moved. Nothing below may be skipped because the caller went away.
	bctx := context.WithoutCancel(ctx)
	var problems []string
	switch f.kind {
	case KindDeposit:
		problems = o.settleDeposit(bctx, f, txHash)
	case KindWithdraw:
		problems = o.settleWithdraw(bctx, f, txHash)
	}

	alive = o.resume(f)
	f.bookkeeping = problems
	if f.claimed {
		o.releaseClaim(f)
	}
	f.state = StateSettled
	if o.cfg.ReceiptTimeout == 0 {
		o.deps.Metrics.FlowFinished(string(f.kind), "submitted")
		s := o.snapshotOf(f)
		o.mu.Unlock()
		return s, nil
	}
	f.pending = true
	f.busy = true
	o.mu.Unlock()

	rctx, cancel := context.WithTimeout(bctx, o.cfg.ReceiptTimeout)
	receipt, rerr := o.deps.Signer.WaitForReceipt(rctx, txHash)
	cancel()
	outcome := o.settleReceipt(bctx, f, receipt, rerr)

	alive = o.resume(f) && alive
	defer o.mu.Unlock()
	switch outcome {
	case "settled":
		f.pending = false
		f.receipt = &receipt
	case "reverted":
		f.pending = false
		f.reverted = true
		f.receipt = &receipt
	}
	o.deps.Metrics.FlowFinished(string(f.kind), outcome)
	if !alive {
		o.log.Info("abandoned flow settled", "flow_id", f.id, "tx_hash", txHash, "outcome", outcome)
	}
	return o.snapshotOf(f), nil
}

// holdClaimLocked makes sure the flow still owns its commitment right before signing.
func (o *Orchestrator) holdClaimLocked(ctx context.Context, f *flow) error {
	_, err := o.deps.Guard.Extend(ctx, o.cfg.User, f.source.Hash, f.id, o.cfg.ClaimTTL)
	if err == nil {
		return nil
	}
	if errors.Is(err, spendguard.ErrNotFound) {
		claim, ok, cerr := o.deps.Guard.TryClaim(ctx, o.cfg.User, f.source.Hash, f.id, o.cfg.ClaimTTL)
		if cerr != nil {
			return fmt.Errorf("orchestrator: reclaim %s: %w", f.source.Hash, cerr)
		}
		if !ok {
			f.claimed = false
			return fmt.Errorf("%w: held by flow %s", ErrCommitmentBusy, claim.FlowID)
		}
		f.claimed = true
		return nil
	}
	if errors.Is(err, spendguard.ErrNotHolder) {
		f.claimed = false
		return fmt.Errorf("%w: %v", ErrCommitmentBusy, err)
	}
	return fmt.Errorf("orchestrator: extend claim %s: %w", f.source.Hash, err)
}

// settleReceipt waits out the chain's verdict. Only an explicit revert undoes bookkeeping;
// anything else leaves the settlement pending for the user to verify.
func (o *Orchestrator) settleReceipt(ctx context.Context, f *flow, r wallet.Receipt, err error) string {
	hash := f.txHash
	switch {
	case err == nil:
		o.publish(ctx, events.Event{Type: events.SettlementConfirmed, Commitment: f.commitmentHash(), TxHash: hash})
		return "settled"
	case errors.Is(err, wallet.ErrReverted):
		o.log.Error("transaction reverted", "flow_id", f.id, "tx_hash", hash, "status", r.Status, "reason", r.Reason)
		var uerr error
		switch f.kind {
		case KindDeposit:
			uerr = o.deps.Store.Remove(ctx, o.cfg.User, f.secrets.Commitment)
		case KindWithdraw:
			uerr = o.restoreWithdraw(ctx, f)
		}
		if uerr != nil {
			o.log.Error("undo bookkeeping after revert", "tx_hash", hash, "err", uerr)
		}
		return "reverted"
	default:
		o.log.Warn("settlement pending", "flow_id", f.id, "tx_hash", hash, "err", err)
		o.publish(ctx, events.Event{Type: events.SettlementPending, Commitment: f.commitmentHash(), TxHash: hash, Error: err.Error()})
		return "pending"
	}
}

func (f *flow) commitmentHash() string {
	if f.kind == KindDeposit {
		return f.secrets.Commitment
	}
	return f.source.Hash
}
