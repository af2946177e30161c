package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS shield_commitments (
	user_address TEXT NOT NULL,
	commitment TEXT NOT NULL,

	user_secret TEXT NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,
	pool_type SMALLINT NOT NULL,
	nonce TEXT NOT NULL,
	blinding TEXT NOT NULL,

	leaf_index BIGINT,
	merkle_root TEXT,
	path_elements TEXT[],
	path_indices INTEGER[],

	sync_attempted_at TIMESTAMPTZ,
	deposit_tx_hash TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (user_address, commitment),
	CONSTRAINT amount_nonneg CHECK (amount >= 0),
	CONSTRAINT leaf_index_nonneg CHECK (leaf_index IS NULL OR leaf_index >= 0),
	CONSTRAINT pool_type_range CHECK (pool_type >= 0 AND pool_type <= 255)
);

CREATE TABLE IF NOT EXISTS shield_commitment_versions (
	user_address TEXT PRIMARY KEY,
	marker TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
