package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zkdefi/shield-client/internal/blobstore"
	"github.com/zkdefi/shield-client/internal/commitment"
	cpostgres "github.com/zkdefi/shield-client/internal/commitment/postgres"
	"github.com/zkdefi/shield-client/internal/config"
	"github.com/zkdefi/shield-client/internal/events"
	"github.com/zkdefi/shield-client/internal/lifecycle"
	"github.com/zkdefi/shield-client/internal/metrics"
	"github.com/zkdefi/shield-client/internal/orchestrator"
	"github.com/zkdefi/shield-client/internal/poolapi"
	"github.com/zkdefi/shield-client/internal/poolcall"
	"github.com/zkdefi/shield-client/internal/secrets"
	"github.com/zkdefi/shield-client/internal/spendguard"
	gpostgres "github.com/zkdefi/shield-client/internal/spendguard/postgres"
	"github.com/zkdefi/shield-client/internal/wallet"
	"github.com/zkdefi/shield-client/internal/withdrawal"
)

// app is the wired client for one invocation.
type app struct {
	cfg config.Config
	log *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	api       *poolapi.Client
	wallet    *wallet.Client
	store     commitment.Store
	guard     spendguard.Store
	events    events.Publisher
	lifecycle *lifecycle.Coordinator
	requestor *withdrawal.Requestor
	orch      *orchestrator.Orchestrator

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()
	a.metrics = metrics.New(a.registry)

	provider, err := secrets.New(ctx, cfg.Secrets.Source)
	if err != nil {
		return nil, err
	}
	tokens, err := secrets.LoadTokens(ctx, provider, cfg.API.TokenRef, cfg.Wallet.TokenRef)
	if err != nil {
		return nil, err
	}

	a.api, err = poolapi.NewClient(cfg.API.BaseURL, tokens.API,
		poolapi.WithLogger(log),
		poolapi.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	var walletOpts []wallet.ClientOption
	if cfg.Wallet.PollInterval > 0 {
		walletOpts = append(walletOpts, wallet.WithPollInterval(cfg.Wallet.PollInterval))
	}
	a.wallet, err = wallet.NewClient(cfg.Wallet.BaseURL, tokens.Wallet, walletOpts...)
	if err != nil {
		return nil, err
	}

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	a.events, err = events.New(cfg.EventsConfig())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.events.Close() })

	a.lifecycle, err = lifecycle.New(lifecycle.Config{
		SchemaMarker:   cfg.Pool.SchemaMarker,
		RequestTimeout: cfg.Timeouts.Tree,
	}, a.store, a.api, a.events, a.metrics, log)
	if err != nil {
		return nil, err
	}
	a.requestor, err = withdrawal.New(withdrawal.Config{
		PartialWithdrawals: cfg.Pool.PartialWithdrawals,
		RequestTimeout:     cfg.Timeouts.Proof,
	}, a.api, log)
	if err != nil {
		return nil, err
	}
	calls, err := poolcall.NewBuilder(poolcall.Config{
		PoolAddress:  cfg.Pool.Address,
		TokenAddress: cfg.Pool.TokenAddress,
		FeltDeposit:  cfg.Pool.FeltDeposit,
		FeltWithdraw: cfg.Pool.FeltWithdraw,
	})
	if err != nil {
		return nil, err
	}
	a.orch, err = orchestrator.New(orchestrator.Config{
		User:               cfg.User,
		CommitmentTimeout:  cfg.Timeouts.Commitment,
		SignTimeout:        cfg.Timeouts.Sign,
		ReceiptTimeout:     cfg.Timeouts.Receipt,
		RegisterTimeout:    cfg.Timeouts.Tree,
		ClaimTTL:           cfg.Timeouts.ClaimTTL,
		PartialWithdrawals: cfg.Pool.PartialWithdrawals,
	}, orchestrator.Deps{
		Commitments: a.api,
		Prover:      a.requestor,
		Signer:      a.wallet,
		Registrar:   a.lifecycle,
		Store:       a.store,
		Calls:       calls,
		Guard:       a.guard,
		Events:      a.events,
		Metrics:     a.metrics,
	}, log)
	if err != nil {
		return nil, err
	}

	if err := a.lifecycle.Open(ctx, cfg.User); err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("init pgx pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		cs, err := cpostgres.New(pool)
		if err != nil {
			return err
		}
		if err := cs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure commitment schema: %w", err)
		}
		gs, err := gpostgres.New(pool)
		if err != nil {
			return err
		}
		if err := gs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure spend claim schema: %w", err)
		}
		a.store, a.guard = cs, gs
		return nil

	case config.StoreMemory:
		a.store = commitment.NewMemoryStore(time.Now)
		a.guard = spendguard.NewMemoryStore(time.Now)
		return nil
	}

	bcfg := cfg.BlobConfig()
	if bcfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		bcfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	blobs, err := blobstore.New(bcfg)
	if err != nil {
		return err
	}
	store, err := commitment.NewObjectStore(blobs, time.Now)
	if err != nil {
		return err
	}
	a.store = store
	a.guard = spendguard.NewMemoryStore(time.Now)
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
