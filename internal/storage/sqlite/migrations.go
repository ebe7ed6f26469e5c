package sqlite

import "database/sql"

// migrations contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist.
// Decimal values are stored as TEXT so no precision is lost.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL,
    identity TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    operator_identity TEXT NOT NULL,
    treasury_identity TEXT NOT NULL,
    asset TEXT NOT NULL,
    platform_fee_percentage TEXT NOT NULL,
    operator_share_percentage TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS project_contributors (
    project_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    identity TEXT NOT NULL,
    contributed_amount TEXT NOT NULL,
    contributed_asset TEXT NOT NULL,
    share_percentage TEXT NOT NULL,
    PRIMARY KEY (project_id, position),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    state TEXT NOT NULL,
    version INTEGER NOT NULL,
    operator_identity TEXT NOT NULL,
    revenue_amount TEXT NOT NULL,
    revenue_asset TEXT NOT NULL,
    evidence_reference TEXT NOT NULL DEFAULT '',
    evidence_digest TEXT NOT NULL DEFAULT '',
    verified_digest TEXT NOT NULL DEFAULT '',
    verifier_identity TEXT NOT NULL DEFAULT '',
    verified_at INTEGER NOT NULL DEFAULT 0,
    rejection TEXT,
    distribution TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id)
);

CREATE TABLE IF NOT EXISTS transfer_receipts (
    settlement_id TEXT NOT NULL,
    line INTEGER NOT NULL,
    attempt INTEGER NOT NULL,
    recipient TEXT NOT NULL,
    role TEXT NOT NULL,
    amount TEXT NOT NULL,
    asset TEXT NOT NULL,
    outcome TEXT NOT NULL,
    reference TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL,
    PRIMARY KEY (settlement_id, line, attempt),
    FOREIGN KEY (settlement_id) REFERENCES settlements(id)
);

CREATE TABLE IF NOT EXISTS audit_receipts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    settlement_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    signer TEXT NOT NULL,
    reference TEXT NOT NULL,
    document_reference TEXT NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL,
    covers INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (settlement_id) REFERENCES settlements(id)
);

-- At most one settlement per project may be outside a terminal state.
CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_open_project ON settlements(project_id)
    WHERE state NOT IN ('rejected', 'distribution_complete');

CREATE INDEX IF NOT EXISTS idx_settlements_project_id ON settlements(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_receipts_settlement_id ON audit_receipts(settlement_id);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
