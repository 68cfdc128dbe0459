package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/queue"
)

// UploadURLTTL is how long a minted upload capability stays valid.
const UploadURLTTL = 24 * time.Hour

// ErrTooLarge distinguishes over-limit uploads from other validation
// failures; it carries the observed size.
var ErrTooLarge = errors.New("storage: uploaded file exceeds size limit")

// IssuedUpload is the result of minting one upload capability.
type IssuedUpload struct {
	UploadURL     string    `json:"uploadUrl"`
	BlobPath      string    `json:"blobName"`
	CorrelationID string    `json:"correlationId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Backend       string    `json:"storage"`
}

// Validation is the outcome of checking an uploaded blob.
type Validation struct {
	Valid      bool
	FileSize   int64   // bytes
	FileSizeMB float64 // rounded to two decimals
	Err        error
}

// Issuer mints capability URLs and owns the upload descriptor lifecycle.
type Issuer struct {
	store   ObjectStore
	uploads database.UploadStore
	logger  *log.Logger
}

func NewIssuer(store ObjectStore, uploads database.UploadStore) *Issuer {
	return &Issuer{
		store:   store,
		uploads: uploads,
		logger:  log.New(log.Writer(), "[UPLOADS] ", log.LstdFlags),
	}
}

// Backend names the object-store implementation in use.
func (i *Issuer) Backend() string { return i.store.Name() }

// IssueUpload mints a write-only URL for a derived blob path and records a
// pending descriptor.
func (i *Issuer) IssueUpload(ctx context.Context, tenant, filename, contentType, demographicID string) (*IssuedUpload, error) {
	if err := i.store.EnsureBucket(ctx, UploadsBucket); err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	now := time.Now().UTC()
	path := BlobPath(queue.NormalizeTenant(tenant), correlationID, filename, now)

	url, err := i.store.SignedUploadURL(ctx, UploadsBucket, path)
	if err != nil {
		return nil, fmt.Errorf("issue upload url: %w", err)
	}

	desc := &database.UploadDescriptor{
		CorrelationID: correlationID,
		Tenant:        tenant,
		BlobPath:      path,
		ContentType:   contentType,
		DemographicID: demographicID,
		Status:        database.UploadPending,
		ExpiresAt:     now.Add(UploadURLTTL),
		CreatedAt:     now,
	}
	if err := i.uploads.CreateUpload(ctx, desc); err != nil {
		return nil, fmt.Errorf("record upload descriptor: %w", err)
	}

	return &IssuedUpload{
		UploadURL:     url,
		BlobPath:      path,
		CorrelationID: correlationID,
		ExpiresAt:     desc.ExpiresAt,
		Backend:       i.store.Name(),
	}, nil
}

// Stat reports the stored size of a blob in the uploads bucket.
func (i *Issuer) Stat(ctx context.Context, blobPath string) (int64, error) {
	return i.store.Stat(ctx, UploadsBucket, blobPath)
}

// IssueDownload mints a read URL for an existing blob.
func (i *Issuer) IssueDownload(ctx context.Context, blobPath string, ttl time.Duration) (string, error) {
	return i.store.SignedDownloadURL(ctx, UploadsBucket, blobPath, ttl)
}

// ValidateUploaded checks an uploaded blob against the size ceiling. Sizes
// are reported in MB rounded to two decimals.
func (i *Issuer) ValidateUploaded(ctx context.Context, blobPath string, maxSizeMB int) Validation {
	size, err := i.store.Stat(ctx, UploadsBucket, blobPath)
	if err != nil {
		return Validation{Err: err}
	}
	sizeMB := math.Round(float64(size)/(1024*1024)*100) / 100
	if maxSizeMB > 0 && size > int64(maxSizeMB)*1024*1024 {
		return Validation{
			FileSize:   size,
			FileSizeMB: sizeMB,
			Err:        fmt.Errorf("%w: %.2f MB > %d MB", ErrTooLarge, sizeMB, maxSizeMB),
		}
	}
	return Validation{Valid: true, FileSize: size, FileSizeMB: sizeMB}
}

// Status returns the descriptor for a correlation id.
func (i *Issuer) Status(ctx context.Context, correlationID string) (*database.UploadDescriptor, error) {
	return i.uploads.GetUpload(ctx, correlationID)
}

// DescriptorForPath resolves a blob path back to its descriptor; the
// blob-event reactor uses it to reject paths that were never issued.
func (i *Issuer) DescriptorForPath(ctx context.Context, blobPath string) (*database.UploadDescriptor, error) {
	return i.uploads.GetUploadByPath(ctx, blobPath)
}

// SetStatus transitions a descriptor.
func (i *Issuer) SetStatus(ctx context.Context, correlationID, status string, fileSize int64, errMsg string) error {
	upd := database.UploadUpdate{Status: &status}
	if fileSize > 0 {
		upd.FileSize = &fileSize
	}
	if errMsg != "" {
		upd.Error = &errMsg
	}
	return i.uploads.UpdateUpload(ctx, correlationID, upd)
}
