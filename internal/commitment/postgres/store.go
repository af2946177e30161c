package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zkdefi/shield-client/internal/commitment"
)

var ErrInvalidConfig = errors.New("commitment/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ commitment.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("commitment/postgres: ensure schema: %w", err)
	}
	return nil
}

const selectColumns = `
	commitment,
	user_secret,
	amount::text,
	pool_type,
	nonce,
	blinding,
	leaf_index,
	merkle_root,
	path_elements,
	path_indices,
	sync_attempted_at,
	deposit_tx_hash,
	created_at
`

func scanCommitment(row pgx.Row) (commitment.Commitment, error) {
	var (
		c          commitment.Commitment
		poolType   int16
		leafIndex  *int64
		merkleRoot *string
		elements   []string
		indices    []int32
		syncedAt   *time.Time
		txHash     *string
	)
	err := row.Scan(
		&c.Hash,
		&c.UserSecret,
		&c.Amount,
		&poolType,
		&c.Nonce,
		&c.Blinding,
		&leafIndex,
		&merkleRoot,
		&elements,
		&indices,
		&syncedAt,
		&txHash,
		&c.CreatedAt,
	)
	if err != nil {
		return commitment.Commitment{}, err
	}
	c.PoolType = commitment.PoolType(poolType)
	if leafIndex != nil {
		if *leafIndex < 0 {
			return commitment.Commitment{}, fmt.Errorf("commitment/postgres: negative leaf index in db")
		}
		idx := uint64(*leafIndex)
		c.LeafIndex = &idx
	}
	if merkleRoot != nil {
		c.MerkleRoot = *merkleRoot
	}
	if len(elements) > 0 {
		c.PathElements = elements
	}
	if len(indices) > 0 {
		c.PathIndices = make([]int, len(indices))
		for i, v := range indices {
			c.PathIndices[i] = int(v)
		}
	}
	if syncedAt != nil {
		ts := syncedAt.UTC()
		c.SyncAttemptedAt = &ts
	}
	if txHash != nil {
		c.DepositTxHash = *txHash
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) Save(ctx context.Context, user string, c commitment.Commitment) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, c, err := commitment.Canonicalize(user, c)
	if err != nil {
		return err
	}
	if c.LeafIndex != nil && *c.LeafIndex > math.MaxInt64 {
		return fmt.Errorf("%w: leaf index too large", commitment.ErrInvalidCommitment)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("commitment/postgres: begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := scanCommitment(tx.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM shield_commitments
		WHERE user_address = $1 AND commitment = $2
		FOR UPDATE
	`, u, c.Hash))
	switch {
	case err == nil:
		c, err = commitment.Merge(prev, c)
		if err != nil {
			return err
		}
	case errors.Is(err, pgx.ErrNoRows):
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now().UTC()
		}
	default:
		return fmt.Errorf("commitment/postgres: load for save: %w", err)
	}

	var leafIndex *int64
	if c.LeafIndex != nil {
		v := int64(*c.LeafIndex)
		leafIndex = &v
	}
	indices := make([]int32, len(c.PathIndices))
	for i, v := range c.PathIndices {
		indices[i] = int32(v)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO shield_commitments (
			user_address,
			commitment,
			user_secret,
			amount,
			pool_type,
			nonce,
			blinding,
			leaf_index,
			merkle_root,
			path_elements,
			path_indices,
			sync_attempted_at,
			deposit_tx_hash,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4::text::numeric,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,NULLIF($13,''),$14,now())
		ON CONFLICT (user_address, commitment) DO UPDATE
		SET amount = EXCLUDED.amount,
			leaf_index = EXCLUDED.leaf_index,
			merkle_root = EXCLUDED.merkle_root,
			path_elements = EXCLUDED.path_elements,
			path_indices = EXCLUDED.path_indices,
			sync_attempted_at = EXCLUDED.sync_attempted_at,
			deposit_tx_hash = EXCLUDED.deposit_tx_hash,
			updated_at = now()
	`, u, c.Hash, c.UserSecret, c.Amount, int16(c.PoolType), c.Nonce, c.Blinding,
		leafIndex, c.MerkleRoot, c.PathElements, indices, c.SyncAttemptedAt, c.DepositTxHash, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("commitment/postgres: upsert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commitment/postgres: commit save: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, user string, hash string) (commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return commitment.Commitment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, h, err := commitment.NormalizeKeys(user, hash)
	if err != nil {
		return commitment.Commitment{}, err
	}
	c, err := scanCommitment(s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM shield_commitments
		WHERE user_address = $1 AND commitment = $2
	`, u, h))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return commitment.Commitment{}, commitment.ErrNotFound
		}
		return commitment.Commitment{}, fmt.Errorf("commitment/postgres: get: %w", err)
	}
	return c, nil
}

func (s *Store) List(ctx context.Context, user string) ([]commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, err := commitment.NormalizeUser(user)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM shield_commitments
		WHERE user_address = $1
		ORDER BY created_at ASC, commitment ASC
	`, u)
	if err != nil {
		return nil, fmt.Errorf("commitment/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []commitment.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("commitment/postgres: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commitment/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, user string, hash string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, h, err := commitment.NormalizeKeys(user, hash)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM shield_commitments WHERE user_address = $1 AND commitment = $2`, u, h); err != nil {
		return fmt.Errorf("commitment/postgres: remove: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, user string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, err := commitment.NormalizeUser(user)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM shield_commitments WHERE user_address = $1`, u); err != nil {
		return fmt.Errorf("commitment/postgres: clear: %w", err)
	}
	return nil
}

func (s *Store) EnsureVersion(ctx context.Context, user string, marker string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, err := commitment.NormalizeUser(user)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("commitment/postgres: begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, `SELECT marker FROM shield_commitment_versions WHERE user_address = $1 FOR UPDATE`, u).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("commitment/postgres: load version: %w", err)
	}
	if err == nil && current == marker {
		return false, tx.Commit(ctx)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM shield_commitments WHERE user_address = $1`, u)
	if err != nil {
		return false, fmt.Errorf("commitment/postgres: clear stale: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO shield_commitment_versions (user_address, marker, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_address) DO UPDATE SET marker = EXCLUDED.marker, updated_at = now()
	`, u, marker)
	if err != nil {
		return false, fmt.Errorf("commitment/postgres: record version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commitment/postgres: commit version: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
