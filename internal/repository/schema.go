package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaAffiliates = `
CREATE TABLE IF NOT EXISTS affiliates (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    referral_code TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_affiliates_referral ON affiliates(tenant_id, referral_code);
`

const schemaClients = `
CREATE TABLE IF NOT EXISTS clients (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    affiliate_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_clients_affiliate ON clients(tenant_id, affiliate_id);
`

// schemaTrades stores trades. created_at is NULL when the source could not
// resolve a timestamp.
const schemaTrades = `
CREATE TABLE IF NOT EXISTS trades (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    contract_type TEXT NOT NULL,
    symbol TEXT NOT NULL DEFAULT '',
    amount REAL NOT NULL,
    profit REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_trades_client ON trades(tenant_id, client_id);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(tenant_id, created_at);
`

const schemaTracking = `
CREATE TABLE IF NOT EXISTS tracking_records (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    ip_address TEXT NOT NULL DEFAULT '',
    canvas_fingerprint TEXT NOT NULL DEFAULT '',
    referral_code TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_tracking_visitor ON tracking_records(tenant_id, visitor_id);
`

// schemaFraudRings defines the fraud_rings table.
// The partial unique index allows one active ring per dedup key, so two
// concurrent detection runs cannot both insert the same ring.
const schemaFraudRings = `
CREATE TABLE IF NOT EXISTS fraud_rings (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    confidence INTEGER NOT NULL,
    entities TEXT NOT NULL,
    exposure REAL NOT NULL DEFAULT 0,
    avg_risk_score REAL NOT NULL DEFAULT 0,
    fraud_edge_count INTEGER NOT NULL DEFAULT 0,
    evidence TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    dedup_key TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_rings_status ON fraud_rings(tenant_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fraud_rings_active_dedup ON fraud_rings(tenant_id, dedup_key) WHERE status = 'active';
`

// AllSchemas returns all schema definitions in order.
func AllSchemas() []string {
	return []string{
		schemaAffiliates,
		schemaClients,
		schemaTrades,
		schemaTracking,
		schemaFraudRings,
	}
}
