package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS withdrawal_records (
	record_index BIGINT PRIMARY KEY,
	request_id BYTEA NOT NULL UNIQUE,
	withdrawer BYTEA NOT NULL,
	receiver BYTEA NOT NULL,
	asset BYTEA NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMPTZ,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT record_index_nonnegative CHECK (record_index >= 0),
	CONSTRAINT request_id_len CHECK (octet_length(request_id) = 32),
	CONSTRAINT withdrawer_len CHECK (octet_length(withdrawer) = 20),
	CONSTRAINT receiver_len CHECK (octet_length(receiver) = 20),
	CONSTRAINT asset_len CHECK (octet_length(asset) = 20),
	CONSTRAINT amount_positive CHECK (amount > 0)
);

CREATE INDEX IF NOT EXISTS withdrawal_records_receiver_asset_idx
	ON withdrawal_records (receiver, asset) WHERE NOT processed;
`
