package kve

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Schema returns the DDL for the executor tables.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS service_keys (
    id TEXT PRIMARY KEY,
    organisation_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    key_hmac TEXT NOT NULL UNIQUE,
    allowed_tenant_ids TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    revoked_at TIMESTAMP,
    last_used_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS action_allowlist (
    integration TEXT NOT NULL,
    action TEXT NOT NULL,
    action_version TEXT NOT NULL DEFAULT 'v1',
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (integration, action)
);
CREATE TABLE IF NOT EXISTS tenant_integrations (
    tenant_id TEXT NOT NULL,
    integration TEXT NOT NULL,
    secret_name TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (tenant_id, integration)
);
`
}

// Migrate applies the schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) GetServiceKeyByHMAC(ctx context.Context, hmac string) (*ServiceKey, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, organisation_id, name, key_hmac, allowed_tenant_ids, status,
		        created_at, expires_at, revoked_at, last_used_at
		 FROM service_keys WHERE key_hmac = ?`), hmac)

	var key ServiceKey
	var tenants string
	var expires, revoked, lastUsed sql.NullTime
	err := row.Scan(&key.ID, &key.OrgID, &key.Name, &key.KeyHMAC, &tenants, &key.Status,
		&key.CreatedAt, &expires, &revoked, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		key.ExpiresAt = &expires.Time
	}
	if revoked.Valid {
		key.RevokedAt = &revoked.Time
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}
	if err := json.Unmarshal([]byte(tenants), &key.AllowedTenantIDs); err != nil {
		return nil, fmt.Errorf("service key %s: allowed_tenant_ids: %w", key.ID, err)
	}
	return &key, nil
}

func (s *SQLStore) PutServiceKey(ctx context.Context, key *ServiceKey) error {
	tenants, err := json.Marshal(key.AllowedTenantIDs)
	if err != nil {
		return err
	}
	if key.AllowedTenantIDs == nil {
		tenants = []byte("[]")
	}
	created := key.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO service_keys (id, organisation_id, name, key_hmac, allowed_tenant_ids, status,
		                           created_at, expires_at, revoked_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   organisation_id = excluded.organisation_id,
		   name = excluded.name,
		   key_hmac = excluded.key_hmac,
		   allowed_tenant_ids = excluded.allowed_tenant_ids,
		   status = excluded.status,
		   expires_at = excluded.expires_at,
		   revoked_at = excluded.revoked_at`),
		key.ID, key.OrgID, key.Name, key.KeyHMAC, string(tenants), key.Status,
		created, key.ExpiresAt, key.RevokedAt, key.LastUsedAt)
	return err
}

func (s *SQLStore) TouchServiceKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE service_keys SET last_used_at = ? WHERE id = ?`), at, id)
	return err
}

func (s *SQLStore) IsActionAllowed(ctx context.Context, integration, action string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM action_allowlist WHERE integration = ? AND action = ? AND enabled`),
		integration, action).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) PutAllowlistEntry(ctx context.Context, entry *AllowlistEntry) error {
	version := entry.ActionVersion
	if version == "" {
		version = "v1"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO action_allowlist (integration, action, action_version, enabled)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (integration, action) DO UPDATE SET
		   action_version = excluded.action_version,
		   enabled = excluded.enabled`),
		entry.Integration, entry.Action, version, entry.Enabled)
	return err
}

func (s *SQLStore) GetTenantIntegration(ctx context.Context, tenantID, integration string) (*TenantIntegration, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT tenant_id, integration, secret_name, metadata
		 FROM tenant_integrations WHERE tenant_id = ? AND integration = ?`),
		tenantID, integration)

	var ti TenantIntegration
	var meta string
	err := row.Scan(&ti.TenantID, &ti.Integration, &ti.SecretName, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &ti.Metadata); err != nil {
		return nil, fmt.Errorf("tenant integration %s/%s: metadata: %w", tenantID, integration, err)
	}
	return &ti, nil
}

func (s *SQLStore) PutTenantIntegration(ctx context.Context, ti *TenantIntegration) error {
	meta, err := json.Marshal(ti.Metadata)
	if err != nil {
		return err
	}
	if ti.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO tenant_integrations (tenant_id, integration, secret_name, metadata)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, integration) DO UPDATE SET
		   secret_name = excluded.secret_name,
		   metadata = excluded.metadata`),
		ti.TenantID, ti.Integration, ti.SecretName, string(meta))
	return err
}
