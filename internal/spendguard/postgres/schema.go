package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS shield_spend_claims (
	user_address TEXT NOT NULL,
	commitment TEXT NOT NULL,
	flow_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_address, commitment)
);

CREATE INDEX IF NOT EXISTS shield_spend_claims_expires_at_idx ON shield_spend_claims (expires_at);
`
