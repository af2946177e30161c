package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zkdefi/shield-client/internal/spendguard"
)

var ErrInvalidConfig = errors.New("spendguard/postgres: invalid config")

// Store shares spend claims between processes through Postgres. Expiry is judged by the
// database clock, not the caller's.
type Store struct {
	pool *pgxpool.Pool
}

var _ spendguard.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("spendguard/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryClaim(ctx context.Context, user, hash, flowID string, ttl time.Duration) (spendguard.Claim, bool, error) {
	if s == nil || s.pool == nil {
		return spendguard.Claim{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, h, err := spendguard.Key(user, hash)
	if err != nil {
		return spendguard.Claim{}, false, err
	}
	if err := spendguard.ValidateClaim(flowID, ttl); err != nil {
		return spendguard.Claim{}, false, err
	}

	var expires time.Time
	err = s.pool.QueryRow(ctx, `
		INSERT INTO shield_spend_claims (user_address, commitment, flow_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, now() + ($4::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (user_address, commitment) DO UPDATE
		SET flow_id = EXCLUDED.flow_id,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE shield_spend_claims.expires_at <= now()
			OR shield_spend_claims.flow_id = EXCLUDED.flow_id
		RETURNING expires_at
	`, u, h, flowID, ttlMilliseconds(ttl)).Scan(&expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			cur, gerr := s.Get(ctx, u, h)
			if gerr != nil {
				return spendguard.Claim{}, false, gerr
			}
			return cur, false, nil
		}
		return spendguard.Claim{}, false, fmt.Errorf("spendguard/postgres: try claim: %w", err)
	}
	return spendguard.Claim{User: u, Commitment: h, FlowID: flowID, ExpiresAt: expires}, true, nil
}

func (s *Store) Extend(ctx context.Context, user, hash, flowID string, ttl time.Duration) (spendguard.Claim, error) {
	if s == nil || s.pool == nil {
		return spendguard.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, h, err := spendguard.Key(user, hash)
	if err != nil {
		return spendguard.Claim{}, err
	}
	if err := spendguard.ValidateClaim(flowID, ttl); err != nil {
		return spendguard.Claim{}, err
	}

	var expires time.Time
	err = s.pool.QueryRow(ctx, `
		UPDATE shield_spend_claims
		SET expires_at = now() + ($4::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE user_address = $1 AND commitment = $2 AND flow_id = $3
		RETURNING expires_at
	`, u, h, flowID, ttlMilliseconds(ttl)).Scan(&expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.Get(ctx, u, h); gerr != nil {
				return spendguard.Claim{}, gerr
			}
			return spendguard.Claim{}, spendguard.ErrNotHolder
		}
		return spendguard.Claim{}, fmt.Errorf("spendguard/postgres: extend: %w", err)
	}
	return spendguard.Claim{User: u, Commitment: h, FlowID: flowID, ExpiresAt: expires}, nil
}

func (s *Store) Release(ctx context.Context, user, hash, flowID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, h, err := spendguard.Key(user, hash)
	if err != nil {
		return err
	}
	if flowID == "" {
		return spendguard.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM shield_spend_claims WHERE user_address = $1 AND commitment = $2 AND flow_id = $3`, u, h, flowID)
	if err != nil {
		return fmt.Errorf("spendguard/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, gerr := s.Get(ctx, u, h); errors.Is(gerr, spendguard.ErrNotFound) {
		return nil
	} else if gerr != nil {
		return gerr
	}
	return spendguard.ErrNotHolder
}

func (s *Store) Get(ctx context.Context, user, hash string) (spendguard.Claim, error) {
	if s == nil || s.pool == nil {
		return spendguard.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	u, h, err := spendguard.Key(user, hash)
	if err != nil {
		return spendguard.Claim{}, err
	}

	c := spendguard.Claim{User: u, Commitment: h}
	err = s.pool.QueryRow(ctx, `
		SELECT flow_id, expires_at FROM shield_spend_claims WHERE user_address = $1 AND commitment = $2
	`, u, h).Scan(&c.FlowID, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return spendguard.Claim{}, spendguard.ErrNotFound
		}
		return spendguard.Claim{}, fmt.Errorf("spendguard/postgres: get: %w", err)
	}
	return c, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
