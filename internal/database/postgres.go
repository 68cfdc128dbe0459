package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store over lib/pq. Connection pooling follows the
// shared-resource policy: min 5 idle, max 20 open, 5-minute idle timeout.
type PostgresStore struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS demographics_records (
	id               UUID PRIMARY KEY,
	tenant           TEXT        NOT NULL,
	payload          JSONB       NOT NULL,
	status           TEXT        NOT NULL DEFAULT 'active',
	processing_state TEXT        NOT NULL DEFAULT 'accepted',
	created_by       TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS demographics_records_tenant_idx
	ON demographics_records (tenant, created_at DESC);

CREATE TABLE IF NOT EXISTS api_keys (
	key_id       TEXT PRIMARY KEY,
	tenant_id    TEXT        NOT NULL,
	name         TEXT        NOT NULL,
	secret_hash  TEXT        NOT NULL,
	scopes       TEXT[]      NOT NULL,
	status       TEXT        NOT NULL DEFAULT 'active',
	rate_limits  JSONB       NOT NULL,
	allowed_ips  TEXT[],
	expires_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	use_count    BIGINT      NOT NULL DEFAULT 0,
	last_used_at TIMESTAMPTZ,
	last_used_ip TEXT        NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id               BIGSERIAL PRIMARY KEY,
	submission_id    TEXT        NOT NULL,
	tenant           TEXT        NOT NULL,
	target_url       TEXT        NOT NULL,
	event            TEXT        NOT NULL,
	status           TEXT        NOT NULL,
	http_status      INT,
	response_excerpt TEXT        NOT NULL DEFAULT '',
	attempt          INT         NOT NULL,
	last_error       TEXT        NOT NULL DEFAULT '',
	correlation_id   TEXT        NOT NULL DEFAULT '',
	attempted_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS delivery_attempts_submission_idx
	ON delivery_attempts (tenant, submission_id, attempted_at);

CREATE TABLE IF NOT EXISTS upload_descriptors (
	correlation_id TEXT PRIMARY KEY,
	tenant         TEXT        NOT NULL,
	blob_path      TEXT        NOT NULL UNIQUE,
	content_type   TEXT        NOT NULL,
	demographic_id TEXT        NOT NULL DEFAULT '',
	status         TEXT        NOT NULL DEFAULT 'pending',
	file_size      BIGINT      NOT NULL DEFAULT 0,
	error          TEXT        NOT NULL DEFAULT '',
	expires_at     TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// NewPostgresStore opens the pool, verifies connectivity, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	slog.Info("Postgres connected", "max_open", 20, "max_idle", 5)
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool so the durable queue can share it.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ============================================================================
// RECORDS
// ============================================================================

func (s *PostgresStore) CreateRecord(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO demographics_records
			(id, tenant, payload, status, processing_state, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		r.ID, r.Tenant, []byte(r.Payload), r.Status, r.ProcessingState, r.CreatedBy, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, tenant, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, payload, status, processing_state, created_by,
		       created_at, updated_at, deleted_at
		FROM demographics_records
		WHERE tenant = $1 AND id = $2 AND status <> 'deleted'`, tenant, id)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*Record, error) {
	var r Record
	var payload []byte
	var deleted sql.NullTime
	err := row.Scan(&r.ID, &r.Tenant, &payload, &r.Status, &r.ProcessingState,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	if deleted.Valid {
		t := deleted.Time
		r.DeletedAt = &t
	}
	return &r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, tenant string, opts ListOptions) ([]*Record, int, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 100
	}
	status := opts.Status
	if status == "" {
		status = RecordActive
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM demographics_records
		WHERE tenant = $1 AND status = $2
		  AND ($3 = '' OR payload::text ILIKE '%' || $3 || '%')`,
		tenant, status, opts.Search).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, payload, status, processing_state, created_by,
		       created_at, updated_at, deleted_at
		FROM demographics_records
		WHERE tenant = $1 AND status = $2
		  AND ($3 = '' OR payload::text ILIKE '%' || $3 || '%')
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		tenant, status, opts.Search, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		var payload []byte
		var deleted sql.NullTime
		if err := rows.Scan(&r.ID, &r.Tenant, &payload, &r.Status, &r.ProcessingState,
			&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt, &deleted); err != nil {
			return nil, 0, err
		}
		r.Payload = payload
		if deleted.Valid {
			t := deleted.Time
			r.DeletedAt = &t
		}
		out = append(out, &r)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, tenant, id string, partial json.RawMessage) (*Record, error) {
	existing, err := s.GetRecord(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	merged, err := MergePayloads(existing.Payload, partial)
	if err != nil {
		return nil, fmt.Errorf("merge payload: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE demographics_records
		SET payload = $3, updated_at = now()
		WHERE tenant = $1 AND id = $2 AND status <> 'deleted'
		RETURNING id, tenant, payload, status, processing_state, created_by,
		          created_at, updated_at, deleted_at`,
		tenant, id, []byte(merged))
	return scanRecord(row)
}

func (s *PostgresStore) SoftDeleteRecord(ctx context.Context, tenant, id string) (time.Time, error) {
	var deletedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE demographics_records
		SET status = 'deleted', deleted_at = now(), updated_at = now()
		WHERE tenant = $1 AND id = $2 AND status <> 'deleted'
		RETURNING deleted_at`, tenant, id).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return deletedAt, err
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO demographics_records
			(id, tenant, payload, status, processing_state, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (id) DO UPDATE
			SET payload = EXCLUDED.payload,
			    processing_state = EXCLUDED.processing_state,
			    updated_at = now()`,
		r.ID, r.Tenant, []byte(r.Payload), r.Status, r.ProcessingState, r.CreatedBy, r.CreatedAt)
	return err
}

func (s *PostgresStore) SetProcessingState(ctx context.Context, id, state string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE demographics_records
		SET processing_state = $2, updated_at = now()
		WHERE id = $1`, id, state)
	return err
}

// ============================================================================
// API KEYS
// ============================================================================

func (s *PostgresStore) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, name, secret_hash, scopes, status, rate_limits,
		       allowed_ips, expires_at, created_at, use_count, last_used_at, last_used_ip
		FROM api_keys WHERE key_id = $1`, keyID)

	var k APIKey
	var limits []byte
	var expires, lastUsed sql.NullTime
	err := row.Scan(&k.KeyID, &k.TenantID, &k.Name, &k.SecretHash,
		pq.Array(&k.Scopes), &k.Status, &limits, pq.Array(&k.AllowedIPs),
		&expires, &k.CreatedAt, &k.UseCount, &lastUsed, &k.LastUsedIP)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(limits, &k.RateLimits); err != nil {
		return nil, fmt.Errorf("rate limits: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	limits, err := json.Marshal(k.RateLimits)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys
			(key_id, tenant_id, name, secret_hash, scopes, status, rate_limits,
			 allowed_ips, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		k.KeyID, k.TenantID, k.Name, k.SecretHash, pq.Array(k.Scopes), k.Status,
		limits, pq.Array(k.AllowedIPs), k.ExpiresAt, k.CreatedAt)
	return err
}

func (s *PostgresStore) RecordKeyUsage(ctx context.Context, keyID, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET use_count = use_count + 1, last_used_at = now(), last_used_ip = $2
		WHERE key_id = $1`, keyID, ip)
	return err
}

// ============================================================================
// DELIVERY ATTEMPTS
// ============================================================================

func (s *PostgresStore) AppendAttempt(ctx context.Context, a *DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts
			(submission_id, tenant, target_url, event, status, http_status,
			 response_excerpt, attempt, last_error, correlation_id, attempted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.SubmissionID, a.Tenant, a.TargetURL, a.Event, a.Status,
		nullableInt(a.HTTPStatus), a.ResponseExcerpt, a.Attempt, a.LastError,
		a.CorrelationID, a.AttemptedAt)
	return err
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func (s *PostgresStore) ListAttempts(ctx context.Context, tenant, submissionID string) ([]*DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, tenant, target_url, event, status, http_status,
		       response_excerpt, attempt, last_error, correlation_id, attempted_at
		FROM delivery_attempts
		WHERE tenant = $1 AND submission_id = $2
		ORDER BY attempted_at`, tenant, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		var httpStatus sql.NullInt64
		if err := rows.Scan(&a.SubmissionID, &a.Tenant, &a.TargetURL, &a.Event,
			&a.Status, &httpStatus, &a.ResponseExcerpt, &a.Attempt, &a.LastError,
			&a.CorrelationID, &a.AttemptedAt); err != nil {
			return nil, err
		}
		a.HTTPStatus = int(httpStatus.Int64)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ============================================================================
// UPLOAD DESCRIPTORS
// ============================================================================

func (s *PostgresStore) CreateUpload(ctx context.Context, u *UploadDescriptor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_descriptors
			(correlation_id, tenant, blob_path, content_type, demographic_id,
			 status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.CorrelationID, u.Tenant, u.BlobPath, u.ContentType, u.DemographicID,
		u.Status, u.ExpiresAt, u.CreatedAt)
	return err
}

func (s *PostgresStore) GetUpload(ctx context.Context, correlationID string) (*UploadDescriptor, error) {
	return s.getUpload(ctx, "correlation_id", correlationID)
}

func (s *PostgresStore) GetUploadByPath(ctx context.Context, blobPath string) (*UploadDescriptor, error) {
	return s.getUpload(ctx, "blob_path", blobPath)
}

func (s *PostgresStore) getUpload(ctx context.Context, col, val string) (*UploadDescriptor, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT correlation_id, tenant, blob_path, content_type, demographic_id,
		       status, file_size, error, expires_at, created_at
		FROM upload_descriptors WHERE %s = $1`, col), val)

	var u UploadDescriptor
	err := row.Scan(&u.CorrelationID, &u.Tenant, &u.BlobPath, &u.ContentType,
		&u.DemographicID, &u.Status, &u.FileSize, &u.Error, &u.ExpiresAt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ListPendingUploads(ctx context.Context, limit int) ([]*UploadDescriptor, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, tenant, blob_path, content_type, demographic_id,
		       status, file_size, error, expires_at, created_at
		FROM upload_descriptors
		WHERE status = $1 AND expires_at > now()
		ORDER BY created_at
		LIMIT $2`, UploadPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UploadDescriptor
	for rows.Next() {
		var u UploadDescriptor
		if err := rows.Scan(&u.CorrelationID, &u.Tenant, &u.BlobPath, &u.ContentType,
			&u.DemographicID, &u.Status, &u.FileSize, &u.Error, &u.ExpiresAt, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateUpload(ctx context.Context, correlationID string, upd UploadUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upload_descriptors
		SET status    = COALESCE($2, status),
		    file_size = COALESCE($3, file_size),
		    error     = COALESCE($4, error)
		WHERE correlation_id = $1`,
		correlationID, upd.Status, upd.FileSize, upd.Error)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
