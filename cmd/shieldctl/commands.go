package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/zkdefi/shield-client/internal/amount"
	"github.com/zkdefi/shield-client/internal/commitment"
	"github.com/zkdefi/shield-client/internal/lifecycle"
	"github.com/zkdefi/shield-client/internal/metrics"
	"github.com/zkdefi/shield-client/internal/orchestrator"
	"github.com/zkdefi/shield-client/internal/poolapi"
	"github.com/zkdefi/shield-client/internal/poolcall"
)

type flowOutput struct {
	FlowID            string          `json:"flow_id"`
	Kind              string          `json:"kind"`
	State             string          `json:"state"`
	Commitment        string          `json:"commitment,omitempty"`
	Amount            string          `json:"amount,omitempty"`
	PoolType          string          `json:"pool_type,omitempty"`
	Recipient         string          `json:"recipient,omitempty"`
	Calls             []poolcall.Call `json:"calls,omitempty"`
	TxHash            string          `json:"tx_hash,omitempty"`
	ReceiptStatus     string          `json:"receipt_status,omitempty"`
	SettlementPending bool            `json:"settlement_pending,omitempty"`
	Reverted          bool            `json:"reverted,omitempty"`
	Bookkeeping       []string        `json:"bookkeeping,omitempty"`
}

func renderFlow(s orchestrator.Snapshot) flowOutput {
	out := flowOutput{
		FlowID:            s.FlowID,
		Kind:              string(s.Kind),
		State:             string(s.State),
		Commitment:        s.Commitment,
		Amount:            s.AmountDecimal(),
		Recipient:         s.Recipient,
		Calls:             s.Calls,
		TxHash:            s.TxHash,
		SettlementPending: s.SettlementPending,
		Reverted:          s.Reverted,
		Bookkeeping:       s.Bookkeeping,
	}
	if s.Kind == orchestrator.KindDeposit {
		out.PoolType = s.PoolType.String()
	}
	if s.Receipt != nil {
		out.ReceiptStatus = string(s.Receipt.Status)
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runFlow drives a prepared flow through signing and prints the outcome. A signing failure
// keeps the proof, so signing is retried up to signAttempts times before giving up.
func runFlow(ctx context.Context, env *runEnv, a *app, signAttempts int, start func(context.Context) (orchestrator.Snapshot, error)) error {
	if _, err := start(ctx); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		snap, err := a.orch.Submit(ctx)
		if err == nil {
			return writeJSON(env.stdout, renderFlow(snap))
		}
		var fe *orchestrator.FlowError
		retry := errors.As(err, &fe) && fe.Kind == orchestrator.KindSigning && attempt < signAttempts && ctx.Err() == nil
		if !retry {
			a.orch.Reset()
			return err
		}
		a.log.Warn("signing failed; retrying with the same proof", "attempt", attempt, "err", err)
		if _, err := a.orch.Acknowledge(); err != nil {
			a.orch.Reset()
			return err
		}
	}
}

func addSignAttempts(fs *flag.FlagSet) *int {
	return fs.Int("sign-attempts", 2, "times to ask the wallet to sign before abandoning the flow")
}

func runDeposit(ctx context.Context, env *runEnv, args []string) error {
	fs, common := newFlagSet("shieldctl deposit", env)
	amountFlag := fs.String("amount", "", "amount to deposit, as a decimal token amount")
	poolType := fs.String("pool-type", "conservative", "pool tier: conservative|neutral|aggressive")
	signAttempts := addSignAttempts(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*amountFlag) == "" {
		return usagef("--amount is required")
	}
	if *signAttempts < 1 {
		return usagef("--sign-attempts must be >= 1")
	}
	pt, err := commitment.ParsePoolType(*poolType)
	if err != nil {
		return usagef("--pool-type: %v", err)
	}

	a, err := openApp(ctx, env, common)
	if err != nil {
		return err
	}
	defer a.Close()

	return runFlow(ctx, env, a, *signAttempts, func(ctx context.Context) (orchestrator.Snapshot, error) {
		return a.orch.StartDeposit(ctx, orchestrator.DepositInput{Amount: *amountFlag, PoolType: pt})
	})
}

func runWithdraw(ctx context.Context, env *runEnv, args []string) error {
	fs, common := newFlagSet("shieldctl withdraw", env)
	hash := fs.String("commitment", "", "commitment hash to withdraw from")
	amountFlag := fs.String("amount", "", "amount to withdraw, as a decimal token amount (default: full balance)")
	recipient := fs.String("recipient", "", "recipient address (default: the user)")
	signAttempts := addSignAttempts(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*hash) == "" {
		return usagef("--commitment is required")
	}
	if *signAttempts < 1 {
		return usagef("--sign-attempts must be >= 1")
	}

	a, err := openApp(ctx, env, common)
	if err != nil {
		return err
	}
	defer a.Close()

	return runFlow(ctx, env, a, *signAttempts, func(ctx context.Context) (orchestrator.Snapshot, error) {
		return a.orch.StartWithdraw(ctx, orchestrator.WithdrawInput{
			Commitment: *hash,
			Amount:     *amountFlag,
			Recipient:  *recipient,
		})
	})
}

type syncOutput struct {
	Commitment string  `json:"commitment"`
	Found      bool    `json:"found"`
	LeafIndex  *uint64 `json:"leaf_index,omitempty"`
	MerkleRoot string  `json:"merkle_root,omitempty"`
	Message    string  `json:"message,omitempty"`
}

func runSync(ctx context.Context, env *runEnv, args []string) error {
	fs, common := newFlagSet("shieldctl sync", env)
	hash := fs.String("commitment", "", "commitment to sync (default: every unsynced commitment)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a, err := openApp(ctx, env, common)
	if err != nil {
		return err
	}
	defer a.Close()

	var results []lifecycle.SyncResult
	var syncErr error
	if strings.TrimSpace(*hash) != "" {
		res, err := a.lifecycle.Sync(ctx, a.cfg.User, *hash)
		if err != nil {
			return err
		}
		results = append(results, res)
	} else {
		results, syncErr = a.lifecycle.SyncPending(ctx, a.cfg.User)
	}

	out := make([]syncOutput, 0, len(results))
	for _, r := range results {
		out = append(out, syncOutput{
			Commitment: r.Commitment.Hash,
			Found:      r.Found,
			LeafIndex:  r.Commitment.LeafIndex,
			MerkleRoot: r.Commitment.MerkleRoot,
			Message:    r.Message,
		})
	}
	if err := writeJSON(env.stdout, out); err != nil {
		return err
	}
	return syncErr
}

func runList(ctx context.Context, env *runEnv, args []string) error {
	fs, common := newFlagSet("shieldctl list", env)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a, err := openApp(ctx, env, common)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.store.List(ctx, a.cfg.User)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMITMENT\tAMOUNT\tPOOL\tLEAF\tCREATED")
	for _, c := range list {
		leaf := "-"
		if c.LeafIndex != nil {
			leaf = fmt.Sprint(*c.LeafIndex)
		}
		amt := c.Amount
		if v, err := amount.ParseWei(c.Amount); err == nil {
			amt = amount.WeiToDecimal(v)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Hash, amt, c.PoolType, leaf, c.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runRoot(ctx context.Context, env *runEnv, args []string) error {
	fs, common := newFlagSet("shieldctl root", env)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a, err := openApp(ctx, env, common)
	if err != nil {
		return err
	}
	defer a.Close()

	root, err := a.api.MerkleRoot(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.stdout, root)
	return err
}

func runWatch(ctx context.Context, env *runEnv, args []string) error {
	fs, common := newFlagSet("shieldctl watch", env)
	metricsAddr := fs.String("metrics-addr", "", "listen address for /metrics (overrides config)")
	interval := fs.Duration("interval", 0, "root poll interval (overrides config)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a, err := openApp(ctx, env, common)
	if err != nil {
		return err
	}
	defer a.Close()

	every := a.cfg.RootPollInterval
	if *interval > 0 {
		every = *interval
	}
	w, err := lifecycle.NewRootWatcher(a.api, every, a.events, a.metrics, a.log)
	if err != nil {
		return err
	}

	addr := a.cfg.MetricsAddr
	if strings.TrimSpace(*metricsAddr) != "" {
		addr = strings.TrimSpace(*metricsAddr)
	}
	if addr != "" {
		h, err := metrics.Handler(a.registry)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", h)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		a.log.Info("serving metrics", "addr", ln.Addr().String())
	}

	a.log.Info("watching merkle root", "interval", every.String())
	return w.Run(ctx)
}

func runDisclose(ctx context.Context, env *runEnv, args []string) error {
	fs, common := newFlagSet("shieldctl disclose", env)
	hash := fs.String("commitment", "", "commitment to disclose about")
	kind := fs.String("kind", string(poolapi.DiscloseBalanceAbove), "balance_above|pool_membership")
	threshold := fs.String("threshold", "", "decimal token amount the balance must exceed (balance_above)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*hash) == "" {
		return usagef("--commitment is required")
	}
	dk := poolapi.DisclosureKind(strings.TrimSpace(*kind))
	var thresholdWei string
	switch dk {
	case poolapi.DiscloseBalanceAbove:
		v, err := amount.DecimalToWei(*threshold)
		if err != nil {
			return usagef("--threshold: %v", err)
		}
		thresholdWei = v.String()
	case poolapi.DisclosePoolMembership:
	default:
		return usagef("--kind must be balance_above or pool_membership")
	}

	a, err := openApp(ctx, env, common)
	if err != nil {
		return err
	}
	defer a.Close()

	cm, err := a.store.Get(ctx, a.cfg.User, *hash)
	if err != nil {
		return err
	}
	if !cm.Synced() {
		res, err := a.lifecycle.Sync(ctx, a.cfg.User, cm.Hash)
		if err != nil {
			return err
		}
		if !res.Found {
			return fmt.Errorf("commitment %s is not in the merkle tree yet", cm.Hash)
		}
		cm = res.Commitment
	}

	res, err := a.api.Disclose(ctx, dk, poolapi.DisclosureRequest{
		Secrets:   lifecycle.SecretsOf(cm),
		Threshold: thresholdWei,
		LeafIndex: cm.LeafIndex,
	})
	if err != nil {
		return err
	}
	return writeJSON(env.stdout, struct {
		Commitment string `json:"commitment"`
		Kind       string `json:"kind"`
		Verified   bool   `json:"verified"`
		Message    string `json:"message,omitempty"`
	}{cm.Hash, string(dk), res.Verified, res.Message})
}

func runExport(ctx context.Context, env *runEnv, args []string) error {
	fs, common := newFlagSet("shieldctl export", env)
	out := fs.String("out", "", "output file (default: stdout)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a, err := openApp(ctx, env, common)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.store.List(ctx, a.cfg.User)
	if err != nil {
		return err
	}
	if list == nil {
		list = []commitment.Commitment{}
	}
	if strings.TrimSpace(*out) == "" {
		return writeJSON(env.stdout, list)
	}
	payload, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	// Exports carry spending secrets.
	if err := os.WriteFile(*out, append(payload, '\n'), 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	_, err = fmt.Fprintf(env.stdout, "exported %d commitments to %s\n", len(list), *out)
	return err
}
