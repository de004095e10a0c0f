package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_meta (
	id SMALLINT PRIMARY KEY,
	current_epoch_id BIGINT NOT NULL,
	next_seq BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT meta_singleton CHECK (id = 1),
	CONSTRAINT current_epoch_pos CHECK (current_epoch_id >= 1),
	CONSTRAINT next_seq_pos CHECK (next_seq >= 1)
);

INSERT INTO ledger_meta (id, current_epoch_id, next_seq) VALUES (1, 1, 1)
ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS ledger_epochs (
	epoch_id BIGINT PRIMARY KEY,
	total_deposits NUMERIC(78,0) NOT NULL,
	total_rewards NUMERIC(78,0) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT epoch_id_pos CHECK (epoch_id >= 1),
	CONSTRAINT total_deposits_nonneg CHECK (total_deposits >= 0),
	CONSTRAINT total_rewards_nonneg CHECK (total_rewards >= 0)
);

CREATE TABLE IF NOT EXISTS ledger_deposits (
	identity BYTEA PRIMARY KEY,
	amount NUMERIC(78,0) NOT NULL,
	epoch_id BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT identity_len CHECK (octet_length(identity) = 20),
	CONSTRAINT amount_pos CHECK (amount > 0),
	CONSTRAINT deposit_epoch_pos CHECK (epoch_id >= 1)
);

CREATE TABLE IF NOT EXISTS ledger_pending_withdrawals (
	identity BYTEA PRIMARY KEY,
	transfer_id BYTEA NOT NULL UNIQUE,
	seq BIGINT NOT NULL UNIQUE,
	deposit_amount NUMERIC(78,0) NOT NULL,
	deposit_epoch_id BIGINT NOT NULL,
	payout NUMERIC(78,0) NOT NULL,
	tx_hash BYTEA,
	created_at TIMESTAMPTZ NOT NULL,

	CONSTRAINT pending_identity_len CHECK (octet_length(identity) = 20),
	CONSTRAINT transfer_id_len CHECK (octet_length(transfer_id) = 32),
	CONSTRAINT tx_hash_len CHECK (tx_hash IS NULL OR octet_length(tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS ledger_pending_withdrawals_seq_idx ON ledger_pending_withdrawals (seq);

ALTER TABLE ledger_meta ADD COLUMN IF NOT EXISTS writer_token BIGINT NOT NULL DEFAULT 0;
ALTER TABLE ledger_pending_withdrawals ADD COLUMN IF NOT EXISTS command_id TEXT;

CREATE TABLE IF NOT EXISTS ledger_commands (
	command_id TEXT PRIMARY KEY,
	op TEXT NOT NULL,
	caller BYTEA NOT NULL,
	state TEXT NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	epoch_id BIGINT NOT NULL,
	transfer_id BYTEA,
	tx_hash BYTEA,
	err_kind TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,

	CONSTRAINT command_caller_len CHECK (octet_length(caller) = 20),
	CONSTRAINT command_transfer_id_len CHECK (transfer_id IS NULL OR octet_length(transfer_id) = 32),
	CONSTRAINT command_tx_hash_len CHECK (tx_hash IS NULL OR octet_length(tx_hash) = 32)
);
`
