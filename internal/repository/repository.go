// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid ring status transition")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// dialect captures what differs between the supported SQL drivers.
type dialect struct {
	driver string
	dsn    func(domain.RepositoryConfig) (string, error)
	tune   func(*sql.DB, domain.RepositoryConfig)
}

// New opens the configured store and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var d dialect
	switch cfg.Driver {
	case "sqlite":
		d = sqliteDialect
	case "postgres":
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := open(d, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := newSQLRepository(db, d.driver)
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func open(d dialect, cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if d.tune != nil {
		d.tune(db, cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.driver, err)
	}
	return db, nil
}

func newSQLRepository(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// SaveAffiliate upserts an affiliate.
func (r *SQLRepository) SaveAffiliate(ctx context.Context, tenantID string, a *domain.Affiliate) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO affiliates (id, tenant_id, name, email, referral_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			referral_code = excluded.referral_code
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.Name, a.Email, a.ReferralCode, createdAt(a.CreatedAt),
	)
	return err
}

// SaveClient upserts a client.
func (r *SQLRepository) SaveClient(ctx context.Context, tenantID string, c *domain.Client) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO clients (id, tenant_id, affiliate_id, name, email, ip_address, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			affiliate_id = excluded.affiliate_id,
			name = excluded.name,
			email = excluded.email,
			ip_address = excluded.ip_address,
			device_id = excluded.device_id
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.AffiliateID, c.Name, c.Email, c.IPAddress, c.DeviceID, createdAt(c.CreatedAt),
	)
	return err
}

// SaveTrade upserts a trade. A zero CreatedAt is stored as NULL.
func (r *SQLRepository) SaveTrade(ctx context.Context, tenantID string, t *domain.Trade) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var at sql.NullTime
	if !t.CreatedAt.IsZero() {
		at = sql.NullTime{Time: t.CreatedAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO trades (id, tenant_id, client_id, contract_type, symbol, amount, profit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			client_id = excluded.client_id,
			contract_type = excluded.contract_type,
			symbol = excluded.symbol,
			amount = excluded.amount,
			profit = excluded.profit,
			created_at = excluded.created_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		t.ID, tenantID, t.ClientID, t.ContractType, t.Symbol, t.Amount, t.Profit, at,
	)
	return err
}

// SaveTrackingRecord stores a tracking record, assigning an id if missing.
func (r *SQLRepository) SaveTrackingRecord(ctx context.Context, tenantID string, rec *domain.TrackingRecord) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO tracking_records (id, tenant_id, visitor_id, ip_address, canvas_fingerprint, referral_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.VisitorID, rec.IPAddress, rec.CanvasFingerprint, rec.ReferralCode, createdAt(rec.CreatedAt),
	)
	return err
}

// ListAffiliates returns all affiliates of a tenant ordered by id.
func (r *SQLRepository) ListAffiliates(ctx context.Context, tenantID string) ([]domain.Affiliate, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, email, referral_code, created_at
		FROM affiliates
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Affiliate
	for rows.Next() {
		var a domain.Affiliate
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Email, &a.ReferralCode, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListClients returns all clients of a tenant ordered by id.
func (r *SQLRepository) ListClients(ctx context.Context, tenantID string) ([]domain.Client, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, affiliate_id, name, email, ip_address, device_id, created_at
		FROM clients
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.TenantID, &c.AffiliateID, &c.Name, &c.Email, &c.IPAddress, &c.DeviceID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListTrades returns all trades of a tenant ordered by id.
func (r *SQLRepository) ListTrades(ctx context.Context, tenantID string) ([]domain.Trade, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, client_id, contract_type, symbol, amount, profit, created_at
		FROM trades
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var at sql.NullTime
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ClientID, &t.ContractType, &t.Symbol, &t.Amount, &t.Profit, &at); err != nil {
			return nil, err
		}
		if at.Valid {
			t.CreatedAt = at.Time.UTC()
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTrackingRecords returns all tracking records of a tenant.
func (r *SQLRepository) ListTrackingRecords(ctx context.Context, tenantID string) ([]domain.TrackingRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, visitor_id, ip_address, canvas_fingerprint, referral_code, created_at
		FROM tracking_records
		WHERE tenant_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TrackingRecord
	for rows.Next() {
		var rec domain.TrackingRecord
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.VisitorID, &rec.IPAddress, &rec.CanvasFingerprint, &rec.ReferralCode, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertFraudRing inserts ring unless an active ring with the same dedup key
// exists for the tenant. The check is a conditional insert against a partial
// unique index, so it holds across concurrent writers.
func (r *SQLRepository) InsertFraudRing(ctx context.Context, tenantID string, ring *domain.FraudRing, dedupKey string) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	if ring == nil || ring.ID == "" {
		return false, fmt.Errorf("%w: ring id is required", ErrInvalidInput)
	}
	if dedupKey == "" {
		return false, fmt.Errorf("%w: dedup key is required", ErrInvalidInput)
	}

	entities, err := json.Marshal(ring.Entities)
	if err != nil {
		return false, fmt.Errorf("failed to marshal entities: %w", err)
	}
	evidence, err := json.Marshal(ring.Evidence)
	if err != nil {
		return false, fmt.Errorf("failed to marshal evidence: %w", err)
	}

	status := ring.Status
	if status == "" {
		status = domain.RingActive
	}
	created := createdAt(ring.CreatedAt)
	updated := ring.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	query := `
		INSERT INTO fraud_rings (
			id, tenant_id, name, type, severity, confidence, entities,
			exposure, avg_risk_score, fraud_edge_count, evidence, summary,
			status, dedup_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		ring.ID, tenantID, ring.Name, string(ring.Type), string(ring.Severity), ring.Confidence,
		string(entities), ring.Exposure, ring.AvgRiskScore, ring.FraudEdgeCount, string(evidence),
		ring.Summary, string(status), dedupKey, created, updated.UTC(),
	)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const fraudRingColumns = `
	id, tenant_id, name, type, severity, confidence, entities,
	exposure, avg_risk_score, fraud_edge_count, evidence, summary,
	status, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFraudRing(s rowScanner) (*domain.FraudRing, error) {
	var (
		ring               domain.FraudRing
		ringType, severity string
		status             string
		entities, evidence string
	)

	err := s.Scan(
		&ring.ID, &ring.TenantID, &ring.Name, &ringType, &severity, &ring.Confidence, &entities,
		&ring.Exposure, &ring.AvgRiskScore, &ring.FraudEdgeCount, &evidence, &ring.Summary,
		&status, &ring.CreatedAt, &ring.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ring.Type = domain.RingType(ringType)
	ring.Severity = domain.Severity(severity)
	ring.Status = domain.RingStatus(status)

	if err := json.Unmarshal([]byte(entities), &ring.Entities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entities of ring %s: %w", ring.ID, err)
	}
	if err := json.Unmarshal([]byte(evidence), &ring.Evidence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evidence of ring %s: %w", ring.ID, err)
	}

	return &ring, nil
}

// GetFraudRing retrieves a ring by id with tenant isolation.
func (r *SQLRepository) GetFraudRing(ctx context.Context, tenantID string, ringID string) (*domain.FraudRing, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + fraudRingColumns + ` FROM fraud_rings WHERE tenant_id = ? AND id = ?`

	ring, err := scanFraudRing(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ringID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ring, nil
}

// ListFraudRings returns a tenant's rings newest first. An empty status
// lists rings in every status.
func (r *SQLRepository) ListFraudRings(ctx context.Context, tenantID string, status domain.RingStatus) ([]*domain.FraudRing, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + fraudRingColumns + ` FROM fraud_rings WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FraudRing
	for rows.Next() {
		ring, err := scanFraudRing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ring)
	}
	return out, rows.Err()
}

// UpdateFraudRingStatus moves a ring to a new status. Only the transitions
// allowed by domain.RingStatus.CanTransition are accepted.
func (r *SQLRepository) UpdateFraudRingStatus(ctx context.Context, tenantID string, ringID string, status domain.RingStatus) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	current, err := r.GetFraudRing(ctx, tenantID, ringID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	query := `
		UPDATE fraud_rings
		SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(status), time.Now().UTC(), tenantID, ringID, string(current.Status),
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Status changed underneath us.
		return fmt.Errorf("%w: ring %s was modified concurrently", ErrInvalidTransition, ringID)
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
