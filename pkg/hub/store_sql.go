package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// Dialect selects placeholder style and error mapping.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store over database/sql. It works against Postgres
// (lib/pq) in production and embedded SQLite (modernc.org/sqlite) in dev.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// rebind converts ?-placeholders to $N for Postgres.
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

func (s *SQLStore) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite reports constraint violations in the message.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// Schema returns the DDL for the hub tables in the given dialect's types.
func Schema(dialect Dialect) string {
	serialTS := "TIMESTAMPTZ"
	if dialect == DialectSQLite {
		serialTS = "TEXT"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS organisations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    default_allow_reads BOOLEAN NOT NULL DEFAULT TRUE,
    default_allow_writes BOOLEAN NOT NULL DEFAULT FALSE,
    cold_storage_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    min_kernel_version TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS policies (
    id TEXT PRIMARY KEY,
    organisation_id TEXT NOT NULL,
    kernel_id TEXT,
    tenant_id TEXT,
    name TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    effect TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    condition TEXT NOT NULL DEFAULT '{}',
    reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS decisions (
    decision_id TEXT PRIMARY KEY,
    organisation_id TEXT NOT NULL,
    kernel_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    action TEXT NOT NULL,
    request_hash TEXT NOT NULL,
    decision TEXT NOT NULL,
    policy_id TEXT,
    policy_version TEXT NOT NULL,
    approval_id TEXT,
    reason TEXT,
    created_at %[1]s NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_logs (
    event_id TEXT PRIMARY KEY,
    ts BIGINT NOT NULL,
    organisation_id TEXT NOT NULL,
    kernel_id TEXT,
    tenant_id TEXT NOT NULL,
    integration TEXT NOT NULL,
    pack TEXT NOT NULL,
    schema_version INTEGER NOT NULL,
    actor_type TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    request_hash TEXT NOT NULL,
    policy_decision_id TEXT,
    policy_id TEXT,
    decision_source TEXT,
    degraded_reason TEXT,
    latency_ms BIGINT,
    error_code TEXT,
    error_message_redacted TEXT,
    result_meta TEXT,
    idempotency_key TEXT,
    ip_address TEXT,
    dry_run BOOLEAN NOT NULL DEFAULT FALSE,
    created_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_org_ts ON audit_logs (organisation_id, ts);
CREATE TABLE IF NOT EXISTS kernels (
    id TEXT PRIMARY KEY,
    organisation_id TEXT NOT NULL,
    api_key_hmac TEXT NOT NULL UNIQUE,
    version TEXT NOT NULL DEFAULT '',
    packs TEXT NOT NULL DEFAULT '[]',
    env TEXT NOT NULL DEFAULT '',
    last_heartbeat %[1]s,
    status TEXT NOT NULL DEFAULT 'active',
    registered_at %[1]s NOT NULL
);
CREATE TABLE IF NOT EXISTS revocations (
    id INTEGER PRIMARY KEY %[2]s,
    organisation_id TEXT NOT NULL,
    type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at %[1]s NOT NULL
);
`, serialTS, autoincrement(dialect))
}

func autoincrement(dialect Dialect) string {
	if dialect == DialectSQLite {
		return "AUTOINCREMENT"
	}
	return "GENERATED BY DEFAULT AS IDENTITY"
}

// Migrate applies the schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema(s.dialect), ";") {
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

func (s *SQLStore) GetOrganisation(ctx context.Context, id string) (*Organisation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, default_allow_reads, default_allow_writes, cold_storage_enabled, min_kernel_version
		 FROM organisations WHERE id = ?`), id)

	var org Organisation
	err := row.Scan(&org.ID, &org.Name, &org.DefaultAllowReads, &org.DefaultAllowWrites,
		&org.ColdStorageEnabled, &org.MinKernelVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *SQLStore) PutOrganisation(ctx context.Context, org *Organisation) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO organisations (id, name, default_allow_reads, default_allow_writes, cold_storage_enabled, min_kernel_version)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   default_allow_reads = excluded.default_allow_reads,
		   default_allow_writes = excluded.default_allow_writes,
		   cold_storage_enabled = excluded.cold_storage_enabled,
		   min_kernel_version = excluded.min_kernel_version`),
		org.ID, org.Name, org.DefaultAllowReads, org.DefaultAllowWrites,
		org.ColdStorageEnabled, org.MinKernelVersion)
	return err
}

func (s *SQLStore) ListPolicies(ctx context.Context, orgID string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, organisation_id, kernel_id, tenant_id, name, version, effect, priority, enabled, condition, reason
		 FROM policies WHERE organisation_id = ?`), orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		var p Policy
		var kernelID, tenantID sql.NullString
		var cond string
		if err := rows.Scan(&p.ID, &p.OrgID, &kernelID, &tenantID, &p.Name, &p.Version,
			&p.Effect, &p.Priority, &p.Enabled, &cond, &p.Reason); err != nil {
			return nil, err
		}
		p.KernelID = kernelID.String
		p.TenantID = tenantID.String
		if err := json.Unmarshal([]byte(cond), &p.Cond); err != nil {
			return nil, fmt.Errorf("policy %s: condition: %w", p.ID, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutPolicy(ctx context.Context, p *Policy) error {
	cond, err := json.Marshal(p.Cond)
	if err != nil {
		return err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO policies (id, organisation_id, kernel_id, tenant_id, name, version, effect, priority, enabled, condition, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   version = policies.version + 1,
		   effect = excluded.effect,
		   priority = excluded.priority,
		   enabled = excluded.enabled,
		   condition = excluded.condition,
		   reason = excluded.reason`),
		p.ID, p.OrgID, nullable(p.KernelID), nullable(p.TenantID), p.Name, p.Version,
		p.Effect, p.Priority, p.Enabled, string(cond), p.Reason)
	return err
}

func (s *SQLStore) InsertDecision(ctx context.Context, row *DecisionRow) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO decisions (decision_id, organisation_id, kernel_id, tenant_id, action, request_hash,
		   decision, policy_id, policy_version, approval_id, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.DecisionID, row.OrgID, row.KernelID, row.TenantID, row.Action, row.RequestHash,
		row.Decision, nullable(row.PolicyID), row.PolicyVersion, nullable(row.ApprovalID),
		row.Reason, row.CreatedAt)
	return err
}

func (s *SQLStore) GetDecision(ctx context.Context, decisionID string) (*DecisionRow, error) {
	r := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT decision_id, organisation_id, kernel_id, tenant_id, action, request_hash,
		   decision, policy_id, policy_version, approval_id, reason, created_at
		 FROM decisions WHERE decision_id = ?`), decisionID)

	var row DecisionRow
	var policyID, approvalID sql.NullString
	err := r.Scan(&row.DecisionID, &row.OrgID, &row.KernelID, &row.TenantID, &row.Action,
		&row.RequestHash, &row.Decision, &policyID, &row.PolicyVersion, &approvalID,
		&row.Reason, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.PolicyID = policyID.String
	row.ApprovalID = approvalID.String
	return &row, nil
}

func (s *SQLStore) InsertHotRow(ctx context.Context, row *AuditHotRow) error {
	var meta interface{}
	if row.ResultMeta != nil {
		data, err := json.Marshal(row.ResultMeta)
		if err != nil {
			return err
		}
		meta = string(data)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_logs (event_id, ts, organisation_id, kernel_id, tenant_id, integration, pack,
		   schema_version, actor_type, actor_id, action, status, request_hash, policy_decision_id, policy_id,
		   decision_source, degraded_reason, latency_ms, error_code, error_message_redacted, result_meta,
		   idempotency_key, ip_address, dry_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.EventID, row.TS, row.OrgID, nullable(row.KernelID), row.TenantID, row.Integration, row.Pack,
		row.SchemaVersion, row.ActorType, row.ActorID, row.Action, row.Status, row.RequestHash,
		nullable(row.PolicyDecisionID), nullable(row.PolicyID), nullable(row.DecisionSource),
		nullable(row.DegradedReason), row.LatencyMS, nullable(row.ErrorCode),
		nullable(row.ErrorMessageRedacted), meta, nullable(row.IdempotencyKey),
		nullable(row.IPAddress), row.DryRun, row.CreatedAt)
	if err != nil && s.isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (s *SQLStore) QueryAudit(ctx context.Context, q AuditQuery) (*AuditPage, error) {
	where := []string{"1=1"}
	var args []interface{}
	add := func(clause string, arg interface{}) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if q.OrgID != "" {
		add("organisation_id = ?", q.OrgID)
	}
	if q.TenantID != "" {
		add("tenant_id = ?", q.TenantID)
	}
	if q.Action != "" {
		add("action = ?", q.Action)
	}
	if q.Status != "" {
		add("status = ?", q.Status)
	}
	if q.From != 0 {
		add("ts >= ?", q.From)
	}
	if q.To != 0 {
		add("ts <= ?", q.To)
	}

	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	cond := strings.Join(where, " AND ")
	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM audit_logs WHERE "+cond), args...).Scan(&total); err != nil {
		return nil, err
	}

	query := "SELECT " + hotRowColumns + " FROM audit_logs WHERE " + cond +
		" ORDER BY ts DESC, event_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := &AuditPage{Entries: []*AuditHotRow{}, Total: total, Page: page}
	for rows.Next() {
		row, err := scanHotRow(rows)
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, row)
	}
	return out, rows.Err()
}

const hotRowColumns = "event_id, ts, organisation_id, kernel_id, tenant_id, integration, pack, schema_version, " +
	"actor_type, actor_id, action, status, request_hash, policy_decision_id, policy_id, decision_source, " +
	"degraded_reason, latency_ms, error_code, error_message_redacted, result_meta, idempotency_key, " +
	"ip_address, dry_run, created_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHotRow(sc rowScanner) (*AuditHotRow, error) {
	var row AuditHotRow
	var kernelID, decisionID, policyID, source, degraded, errCode, errMsg, meta, idemKey, ip sql.NullString
	var latency sql.NullInt64
	if err := sc.Scan(&row.EventID, &row.TS, &row.OrgID, &kernelID, &row.TenantID,
		&row.Integration, &row.Pack, &row.SchemaVersion, &row.ActorType, &row.ActorID,
		&row.Action, &row.Status, &row.RequestHash, &decisionID, &policyID, &source,
		&degraded, &latency, &errCode, &errMsg, &meta, &idemKey, &ip, &row.DryRun,
		&row.CreatedAt); err != nil {
		return nil, err
	}
	row.KernelID = kernelID.String
	row.PolicyDecisionID = decisionID.String
	row.PolicyID = policyID.String
	row.DecisionSource = source.String
	row.DegradedReason = degraded.String
	row.LatencyMS = latency.Int64
	row.ErrorCode = errCode.String
	row.ErrorMessageRedacted = errMsg.String
	row.IdempotencyKey = idemKey.String
	row.IPAddress = ip.String
	if meta.Valid && meta.String != "" {
		var rm contracts.ResultMeta
		if err := json.Unmarshal([]byte(meta.String), &rm); err == nil {
			row.ResultMeta = &rm
		}
	}
	return &row, nil
}

func (s *SQLStore) GetHotRow(ctx context.Context, orgID, eventID string) (*AuditHotRow, error) {
	row, err := scanHotRow(s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+hotRowColumns+" FROM audit_logs WHERE organisation_id = ? AND event_id = ?"),
		orgID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *SQLStore) GetKernelByHMAC(ctx context.Context, hmac string) (*KernelRecord, error) {
	r := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, organisation_id, api_key_hmac, version, packs, env, last_heartbeat, status, registered_at
		 FROM kernels WHERE api_key_hmac = ?`), hmac)
	return scanKernel(r)
}

func scanKernel(r *sql.Row) (*KernelRecord, error) {
	var rec KernelRecord
	var packs string
	var heartbeat sql.NullTime
	err := r.Scan(&rec.ID, &rec.OrgID, &rec.APIKeyHMAC, &rec.Version, &packs, &rec.Env,
		&heartbeat, &rec.Status, &rec.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.LastHeartbeat = heartbeat.Time
	if err := json.Unmarshal([]byte(packs), &rec.Packs); err != nil {
		rec.Packs = nil
	}
	return &rec, nil
}

func (s *SQLStore) PutKernel(ctx context.Context, rec *KernelRecord) error {
	packs, err := json.Marshal(rec.Packs)
	if err != nil {
		return err
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO kernels (id, organisation_id, api_key_hmac, version, packs, env, last_heartbeat, status, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   api_key_hmac = excluded.api_key_hmac,
		   version = excluded.version,
		   packs = excluded.packs,
		   env = excluded.env,
		   status = excluded.status`),
		rec.ID, rec.OrgID, rec.APIKeyHMAC, rec.Version, string(packs), rec.Env,
		nullTime(rec.LastHeartbeat), rec.Status, rec.RegisteredAt)
	return err
}

func (s *SQLStore) UpdateKernel(ctx context.Context, rec *KernelRecord) error {
	packs, err := json.Marshal(rec.Packs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE kernels SET version = ?, packs = ?, env = ?, last_heartbeat = ?, status = ?
		 WHERE id = ?`),
		rec.Version, string(packs), rec.Env, nullTime(rec.LastHeartbeat), rec.Status, rec.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListKernels(ctx context.Context, orgID string) ([]*KernelRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, organisation_id, api_key_hmac, version, packs, env, last_heartbeat, status, registered_at
		 FROM kernels WHERE organisation_id = ? ORDER BY id`), orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*KernelRecord
	for rows.Next() {
		var rec KernelRecord
		var packs string
		var heartbeat sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.APIKeyHMAC, &rec.Version, &packs,
			&rec.Env, &heartbeat, &rec.Status, &rec.RegisteredAt); err != nil {
			return nil, err
		}
		rec.LastHeartbeat = heartbeat.Time
		if err := json.Unmarshal([]byte(packs), &rec.Packs); err != nil {
			rec.Packs = nil
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendRevocation(ctx context.Context, orgID string, rev *Revocation) (int64, error) {
	if rev.Type != contracts.RevokeKey && rev.Type != contracts.RevokeTenant && rev.Type != contracts.RevokeKernel {
		return 0, fmt.Errorf("hub: unknown revocation type %s", rev.Type)
	}
	created := rev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO revocations (organisation_id, type, target_id, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		orgID, rev.Type, rev.TargetID, rev.Reason, created)
	if err != nil {
		return 0, err
	}

	var version int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM revocations WHERE organisation_id = ?`), orgID).Scan(&version)
	return version, err
}

func (s *SQLStore) RevocationSnapshot(ctx context.Context, orgID string) (*contracts.RevocationSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT type, target_id FROM revocations WHERE organisation_id = ? ORDER BY id`), orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	snap := &contracts.RevocationSnapshot{
		Revocations: contracts.RevocationLists{
			APIKeys: []string{},
			Tenants: []string{},
			Kernels: []string{},
		},
		ExpiresAt: time.Now().UTC().Add(5 * time.Minute),
	}
	seen := map[string]struct{}{}
	for rows.Next() {
		var typ, id string
		if err := rows.Scan(&typ, &id); err != nil {
			return nil, err
		}
		snap.RevocationsVersion++
		key := typ + "\x1f" + id
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		switch typ {
		case contracts.RevokeKey:
			snap.Revocations.APIKeys = append(snap.Revocations.APIKeys, id)
		case contracts.RevokeTenant:
			snap.Revocations.Tenants = append(snap.Revocations.Tenants, id)
		case contracts.RevokeKernel:
			snap.Revocations.Kernels = append(snap.Revocations.Kernels, id)
		}
	}
	return snap, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
