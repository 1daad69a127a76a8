// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// RecordSource supplies the four record feeds of a detection run.
type RecordSource interface {
	ListAffiliates(ctx context.Context, tenantID string) ([]Affiliate, error)
	ListClients(ctx context.Context, tenantID string) ([]Client, error)
	ListTrades(ctx context.Context, tenantID string) ([]Trade, error)
	ListTrackingRecords(ctx context.Context, tenantID string) ([]TrackingRecord, error)
}

// RingStore persists fraud rings.
type RingStore interface {
	// InsertFraudRing inserts the ring unless an active ring with the same
	// dedup key exists. It reports whether a row was written.
	InsertFraudRing(ctx context.Context, tenantID string, ring *FraudRing, dedupKey string) (bool, error)
	GetFraudRing(ctx context.Context, tenantID string, ringID string) (*FraudRing, error)
	// ListFraudRings returns rings newest first. An empty status lists all.
	ListFraudRings(ctx context.Context, tenantID string, status RingStatus) ([]*FraudRing, error)
	UpdateFraudRingStatus(ctx context.Context, tenantID string, ringID string, status RingStatus) error
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	RecordSource
	RingStore

	// Record ingestion
	SaveAffiliate(ctx context.Context, tenantID string, a *Affiliate) error
	SaveClient(ctx context.Context, tenantID string, c *Client) error
	SaveTrade(ctx context.Context, tenantID string, t *Trade) error
	SaveTrackingRecord(ctx context.Context, tenantID string, r *TrackingRecord) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific. PostgresURL (postgres://...) overrides the fields below.
	PostgresURL      string `json:"-" yaml:"postgres_url"`
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
