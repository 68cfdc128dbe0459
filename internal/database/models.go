// Package database holds the relational store contracts and their Postgres
// and in-memory implementations. Every query is tenant-scoped; a record that
// exists under another tenant is indistinguishable from one that does not
// exist at all.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned for absent rows and for rows outside the caller's
// tenant. Callers surface both identically.
var ErrNotFound = errors.New("database: not found")

// Record statuses (user-visible lifecycle).
const (
	RecordActive   = "active"
	RecordInactive = "inactive"
	RecordArchived = "archived"
	RecordDeleted  = "deleted"
)

// Processing states (worker-side state machine).
const (
	ProcessingAccepted  = "accepted"
	ProcessingActive    = "processing"
	ProcessingCompleted = "completed"
	ProcessingFailed    = "failed"
)

// Record is a submission record: an opaque domain payload plus the envelope
// the pipeline owns.
type Record struct {
	ID              string          `json:"id"`
	Tenant          string          `json:"tenant"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	ProcessingState string          `json:"processing_state"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}

// RateLimitProfile is the four-window quota attached to a credential.
type RateLimitProfile struct {
	Burst  int `json:"burst"`  // per 10 s
	Minute int `json:"minute"` // per 60 s
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

// DefaultRateLimits is applied when a credential carries no profile.
var DefaultRateLimits = RateLimitProfile{Burst: 100, Minute: 300, Hour: 5000, Day: 50000}

// API key statuses.
const (
	KeyActive    = "active"
	KeySuspended = "suspended"
	KeyRevoked   = "revoked"
)

// APIKey is a stored credential. The plaintext secret is visible exactly
// once, at issuance; only its bcrypt hash is persisted.
type APIKey struct {
	KeyID      string           `json:"key_id"` // public prefix, lookup key
	TenantID   string           `json:"tenant_id"`
	Name       string           `json:"name"`
	SecretHash string           `json:"-"`
	Scopes     []string         `json:"scopes"`
	Status     string           `json:"status"`
	RateLimits RateLimitProfile `json:"rate_limits"`
	AllowedIPs []string         `json:"allowed_ips,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UseCount   int64            `json:"use_count"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty"`
	LastUsedIP string           `json:"last_used_ip,omitempty"`
}

// Delivery attempt statuses.
const (
	AttemptDelivered   = "delivered"
	AttemptRetryFailed = "retry_failed"
	AttemptFailed      = "failed_permanently"
)

// DeliveryAttempt is one row of the append-only webhook audit.
type DeliveryAttempt struct {
	SubmissionID    string    `json:"submission_id"`
	Tenant          string    `json:"tenant"`
	TargetURL       string    `json:"target_url"`
	Event           string    `json:"event"`
	Status          string    `json:"status"`
	HTTPStatus      int       `json:"http_status,omitempty"`
	ResponseExcerpt string    `json:"response_excerpt,omitempty"` // <= 500 bytes
	Attempt         int       `json:"attempt"`
	LastError       string    `json:"last_error,omitempty"`
	CorrelationID   string    `json:"correlation_id"`
	AttemptedAt     time.Time `json:"attempted_at"`
}

// Upload descriptor statuses.
const (
	UploadPending    = "pending"
	UploadUploaded   = "uploaded"
	UploadProcessing = "processing"
	UploadCompleted  = "completed"
	UploadFailed     = "failed"
)

// UploadDescriptor tracks the lifecycle of one capability-URL upload.
type UploadDescriptor struct {
	CorrelationID string    `json:"correlation_id"`
	Tenant        string    `json:"tenant"`
	BlobPath      string    `json:"blob_path"`
	ContentType   string    `json:"content_type"`
	DemographicID string    `json:"demographic_id,omitempty"`
	Status        string    `json:"status"`
	FileSize      int64     `json:"file_size,omitempty"`
	Error         string    `json:"error,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// UploadUpdate carries the mutable descriptor fields; nil means unchanged.
type UploadUpdate struct {
	Status   *string
	FileSize *int64
	Error    *string
}

// ListOptions narrows a record listing.
type ListOptions struct {
	Limit  int
	Offset int
	Status string
	Search string
}

// RecordStore is the submission-record contract consumed by the gateway and
// the workers.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *Record) error
	GetRecord(ctx context.Context, tenant, id string) (*Record, error)
	ListRecords(ctx context.Context, tenant string, opts ListOptions) ([]*Record, int, error)
	// UpdateRecord merges the partial payload into the stored one.
	UpdateRecord(ctx context.Context, tenant, id string, partial json.RawMessage) (*Record, error)
	SoftDeleteRecord(ctx context.Context, tenant, id string) (time.Time, error)
	// UpsertRecord is the worker path: insert if absent, refresh otherwise.
	// The record id is the natural key, so redelivery never duplicates rows.
	UpsertRecord(ctx context.Context, r *Record) error
	SetProcessingState(ctx context.Context, id, state string) error
}

// CredentialStore persists API keys.
type CredentialStore interface {
	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, k *APIKey) error
	// RecordKeyUsage is fire-and-forget; failures never fail authentication.
	RecordKeyUsage(ctx context.Context, keyID, ip string) error
}

// AttemptStore is the append-only webhook delivery audit.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, a *DeliveryAttempt) error
	ListAttempts(ctx context.Context, tenant, submissionID string) ([]*DeliveryAttempt, error)
}

// UploadStore persists capability-URL upload descriptors.
type UploadStore interface {
	CreateUpload(ctx context.Context, u *UploadDescriptor) error
	GetUpload(ctx context.Context, correlationID string) (*UploadDescriptor, error)
	GetUploadByPath(ctx context.Context, blobPath string) (*UploadDescriptor, error)
	UpdateUpload(ctx context.Context, correlationID string, upd UploadUpdate) error
	// ListPendingUploads returns unexpired descriptors still waiting for
	// their blob, oldest first. The reactor's poll fallback uses it.
	ListPendingUploads(ctx context.Context, limit int) ([]*UploadDescriptor, error)
}

// Store aggregates every relational contract the process needs.
type Store interface {
	RecordStore
	CredentialStore
	AttemptStore
	UploadStore
	Ping(ctx context.Context) error
}

// MergePayloads overlays the top-level keys of partial onto base. An empty
// patch returns base unchanged, which makes empty PUTs no-ops.
func MergePayloads(base, partial json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, err
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(partial, &src); err != nil {
		return nil, err
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}
