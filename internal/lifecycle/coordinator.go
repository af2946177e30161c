// Package lifecycle moves commitments from "deposited" to "usable": it registers them with
// the Merkle tree service, recovers leaf indices for commitments whose registration was
// lost, and keeps an eye on the pool root.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zkdefi/shield-client/internal/commitment"
	"github.com/zkdefi/shield-client/internal/events"
	"github.com/zkdefi/shield-client/internal/metrics"
	"github.com/zkdefi/shield-client/internal/poolapi"
)

var (
	ErrInvalidConfig = errors.New("lifecycle: invalid config")
	// ErrLeafConflict means the tree reports a different leaf than the one already stored.
	ErrLeafConflict = errors.New("lifecycle: leaf index conflict")
)

// TreeService is the subset of the Merkle tree service used here.
type TreeService interface {
	RegisterCommitment(ctx context.Context, commitment string) (poolapi.Inclusion, error)
	FindCommitment(ctx context.Context, s poolapi.Secrets) (poolapi.FindResult, error)
	MerkleRoot(ctx context.Context) (string, error)
}

type Config struct {
	// SchemaMarker identifies the current tree generation; see commitment.DefaultSchemaMarker.
	SchemaMarker string
	// RequestTimeout bounds each tree service call.
	RequestTimeout time.Duration
}

type Coordinator struct {
	cfg Config

	store   commitment.Store
	tree    TreeService
	events  events.Publisher
	metrics *metrics.Metrics

	log *slog.Logger
	now func() time.Time
}

func New(cfg Config, store commitment.Store, tree TreeService, pub events.Publisher, m *metrics.Metrics, log *slog.Logger) (*Coordinator, error) {
	if store == nil || tree == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.SchemaMarker == "" {
		cfg.SchemaMarker = commitment.DefaultSchemaMarker
	}
	if cfg.RequestTimeout < 0 {
		return nil, fmt.Errorf("%w: RequestTimeout must be >= 0", ErrInvalidConfig)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if pub == nil {
		pub, _ = events.New(events.Config{Driver: events.DriverNone})
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		tree:    tree,
		events:  pub,
		metrics: m,
		log:     log,
		now:     time.Now,
	}, nil
}

// Open prepares a user's commitment set for this tree generation. Entries written under an
// older schema marker reference a reset tree and are dropped.
func (c *Coordinator) Open(ctx context.Context, user string) error {
	cleared, err := c.store.EnsureVersion(ctx, user, c.cfg.SchemaMarker)
	if err != nil {
		return fmt.Errorf("lifecycle: open %s: %w", user, err)
	}
	if cleared {
		c.log.Warn("dropped commitments from a previous tree generation", "user", user, "marker", c.cfg.SchemaMarker)
	}
	return nil
}

// Register records a submitted deposit's commitment in the tree and persists the returned
// inclusion data. The commitment must already be saved; a failed registration leaves it in
// place, unsynced, so Sync can recover it later.
func (c *Coordinator) Register(ctx context.Context, user string, hash string) (commitment.Commitment, error) {
	cm, err := c.store.Get(ctx, user, hash)
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("lifecycle: register: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	inc, err := c.tree.RegisterCommitment(rctx, cm.Hash)
	cancel()
	if err != nil {
		c.metrics.RegisterFailed()
		c.log.Warn("commitment registration failed; sync later", "commitment", cm.Hash, "err", err)
		c.publish(ctx, events.Event{Type: events.RegisterFailed, User: user, Commitment: cm.Hash, Error: err.Error()})
		return cm, fmt.Errorf("lifecycle: register %s: %w", cm.Hash, err)
	}

	idx := inc.LeafIndex
	cm.LeafIndex = &idx
	setRoot(&cm, inc.MerkleRoot)
	if len(inc.PathElements) > 0 {
		cm.PathElements = inc.PathElements
		cm.PathIndices = inc.PathIndices
	}
	if err := c.store.Save(ctx, user, cm); err != nil {
		return cm, fmt.Errorf("lifecycle: persist registration %s: %w", cm.Hash, err)
	}
	c.log.Info("commitment registered", "commitment", cm.Hash, "leaf_index", idx)
	c.publish(ctx, events.Event{Type: events.CommitmentRegistered, User: user, Commitment: cm.Hash, LeafIndex: &idx, MerkleRoot: inc.MerkleRoot})
	return cm, nil
}

type SyncResult struct {
	Commitment commitment.Commitment
	Found      bool
	// Message is the tree service's explanation when the commitment was not found.
	Message string
}

// Sync asks the tree service to locate a commitment by its private fields and stores the
// leaf index it reports. Every answered attempt is recorded, found or not.
func (c *Coordinator) Sync(ctx context.Context, user string, hash string) (SyncResult, error) {
	cm, err := c.store.Get(ctx, user, hash)
	if err != nil {
		return SyncResult{}, fmt.Errorf("lifecycle: sync: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	res, err := c.tree.FindCommitment(rctx, SecretsOf(cm))
	cancel()
	c.metrics.SyncResult(res.Found, err)
	if err != nil {
		return SyncResult{Commitment: cm}, fmt.Errorf("lifecycle: sync %s: %w", cm.Hash, err)
	}

	if res.Found && cm.LeafIndex != nil && *cm.LeafIndex != *res.LeafIndex {
		c.log.Error("tree reports a different leaf index", "commitment", cm.Hash, "stored", *cm.LeafIndex, "reported", *res.LeafIndex)
		return SyncResult{Commitment: cm}, fmt.Errorf("%w: %s stored %d, tree %d", ErrLeafConflict, cm.Hash, *cm.LeafIndex, *res.LeafIndex)
	}

	at := c.now().UTC()
	cm.SyncAttemptedAt = &at
	if res.Found {
		idx := *res.LeafIndex
		cm.LeafIndex = &idx
		setRoot(&cm, res.MerkleRoot)
	}
	if err := c.store.Save(ctx, user, cm); err != nil {
		return SyncResult{Commitment: cm}, fmt.Errorf("lifecycle: persist sync %s: %w", cm.Hash, err)
	}

	if res.Found {
		c.log.Info("commitment synced", "commitment", cm.Hash, "leaf_index", *cm.LeafIndex)
		c.publish(ctx, events.Event{Type: events.CommitmentSynced, User: user, Commitment: cm.Hash, LeafIndex: cm.LeafIndex, MerkleRoot: cm.MerkleRoot})
	} else {
		c.log.Info("commitment not in tree", "commitment", cm.Hash, "message", res.Message)
	}
	return SyncResult{Commitment: cm, Found: res.Found, Message: res.Message}, nil
}

// SyncPending syncs every commitment of user that has no leaf index yet. It keeps going past
// individual failures and returns them joined.
func (c *Coordinator) SyncPending(ctx context.Context, user string) ([]SyncResult, error) {
	list, err := c.store.List(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list %s: %w", user, err)
	}
	var (
		out  []SyncResult
		errs []error
	)
	for _, cm := range list {
		if cm.Synced() {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := c.Sync(ctx, user, cm.Hash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) {
	e.At = c.now().UTC()
	if err := c.events.Publish(ctx, e); err != nil {
		c.log.Warn("publish event", "type", e.Type, "err", err)
	}
}

// setRoot records a newly reported root. A cached path was built against the old root and is
// dropped so withdrawals fall back to server-side lookup.
func setRoot(cm *commitment.Commitment, root string) {
	if root == "" || root == cm.MerkleRoot {
		return
	}
	cm.MerkleRoot = root
	cm.PathElements = nil
	cm.PathIndices = nil
}

// SecretsOf returns the private fields the services use to identify cm.
func SecretsOf(cm commitment.Commitment) poolapi.Secrets {
	return poolapi.Secrets{
		UserSecret: cm.UserSecret,
		Amount:     cm.Amount,
		PoolType:   uint8(cm.PoolType),
		Nonce:      cm.Nonce,
		Blinding:   cm.Blinding,
	}
}
