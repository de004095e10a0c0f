package postgres

// A released lease keeps its row so the fencing token never goes backwards.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	token BIGINT NOT NULL,
	released BOOLEAN NOT NULL DEFAULT false,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
