// Package reactor turns object-store "blob written" notifications into
// pipeline work: descriptor transitions, a document_processing message, and
// a document.uploaded webhook. Paths that were never issued are rejected.
package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/metrics"
	"github.com/claimspipe/backend/internal/queue"
	"github.com/claimspipe/backend/internal/storage"
	"github.com/claimspipe/backend/internal/webhooks"
	"github.com/claimspipe/backend/internal/worker"
)

// SystemSession carries failure events that have no healthy tenant stream
// to ride on.
const SystemSession = "webhook_system"

// DefaultMaxUploadMB is the size ceiling applied when the caller does not
// provide one.
const DefaultMaxUploadMB = 100

var ErrUnknownPath = errors.New("reactor: blob path was never issued")

// Reactor reacts to completed uploads. The gateway exposes an HTTP callback
// that feeds HandleBlobWritten; Poll is the fallback for stores that do not
// push events.
type Reactor struct {
	issuer    *storage.Issuer
	uploads   database.UploadStore
	producer  queue.Producer
	maxSizeMB int
	interval  time.Duration
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func New(issuer *storage.Issuer, uploads database.UploadStore, producer queue.Producer) *Reactor {
	return &Reactor{
		issuer:    issuer,
		uploads:   uploads,
		producer:  producer,
		maxSizeMB: DefaultMaxUploadMB,
		interval:  30 * time.Second,
		logger:    log.New(log.Writer(), "[REACTOR] ", log.LstdFlags),
	}
}

// SetMetrics installs the validation-result counter.
func (r *Reactor) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// HandleBlobWritten processes one completed upload identified by its blob
// path.
func (r *Reactor) HandleBlobWritten(ctx context.Context, blobPath string) error {
	desc, err := r.issuer.DescriptorForPath(ctx, blobPath)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			r.logger.Printf("ignoring blob outside issued naming convention: %s", blobPath)
			return ErrUnknownPath
		}
		return fmt.Errorf("resolve descriptor for %s: %w", blobPath, err)
	}
	if desc.Status != database.UploadPending {
		// Redelivered storage event; the descriptor already advanced.
		r.logger.Printf("blob %s already %s, skipping", blobPath, desc.Status)
		return nil
	}

	v := r.issuer.ValidateUploaded(ctx, blobPath, r.maxSizeMB)
	if v.Err != nil {
		result := "missing"
		if errors.Is(v.Err, storage.ErrTooLarge) {
			result = "too_large"
		}
		r.countValidation(result)
		msg := v.Err.Error()
		if err := r.issuer.SetStatus(ctx, desc.CorrelationID, database.UploadFailed, v.FileSize, msg); err != nil {
			r.logger.Printf("mark %s failed: %v", desc.CorrelationID, err)
		}
		r.emitValidationFailed(ctx, desc, v, msg)
		return fmt.Errorf("validate %s: %w", blobPath, v.Err)
	}
	r.countValidation("ok")

	if err := r.issuer.SetStatus(ctx, desc.CorrelationID, database.UploadUploaded, v.FileSize, ""); err != nil {
		return fmt.Errorf("mark %s uploaded: %w", desc.CorrelationID, err)
	}

	if err := r.enqueueProcessing(ctx, desc, v.FileSize); err != nil {
		return fmt.Errorf("enqueue processing for %s: %w", desc.CorrelationID, err)
	}

	err = webhooks.Enqueue(ctx, r.producer, &webhooks.Job{
		Event:         webhooks.EventDocumentUploaded,
		Tenant:        desc.Tenant,
		CorrelationID: desc.CorrelationID,
		Data: map[string]interface{}{
			"correlation_id": desc.CorrelationID,
			"blob_path":      desc.BlobPath,
			"content_type":   desc.ContentType,
			"file_size":      v.FileSize,
			"file_size_mb":   v.FileSizeMB,
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue uploaded webhook for %s: %w", desc.CorrelationID, err)
	}

	r.logger.Printf("blob %s accepted for %s (%.2f MB)", blobPath, desc.Tenant, v.FileSizeMB)
	return nil
}

// Poll is the pull fallback: it stats every pending descriptor and feeds
// the ones whose blob has arrived through the same path as pushed events.
func (r *Reactor) Poll(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Reactor) pollOnce(ctx context.Context) {
	pending, err := r.uploads.ListPendingUploads(ctx, 100)
	if err != nil {
		r.logger.Printf("list pending uploads: %v", err)
		return
	}
	for _, desc := range pending {
		if _, err := r.issuer.Stat(ctx, desc.BlobPath); err != nil {
			continue // not uploaded yet
		}
		if err := r.HandleBlobWritten(ctx, desc.BlobPath); err != nil && !errors.Is(err, storage.ErrTooLarge) {
			r.logger.Printf("poll %s: %v", desc.BlobPath, err)
		}
	}
}

func (r *Reactor) enqueueProcessing(ctx context.Context, desc *database.UploadDescriptor, size int64) error {
	payload, err := json.Marshal(&worker.DocumentJob{
		CorrelationID: desc.CorrelationID,
		Tenant:        desc.Tenant,
		BlobPath:      desc.BlobPath,
		ContentType:   desc.ContentType,
		FileSize:      size,
	})
	if err != nil {
		return err
	}
	return r.producer.Send(ctx, queue.TopicDocuments, &queue.Message{
		ID:            uuid.NewString(),
		Type:          queue.TypeDocumentProcessing,
		Payload:       payload,
		MaxRetries:    3,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: desc.CorrelationID,
	})
}

func (r *Reactor) countValidation(result string) {
	if r.metrics != nil {
		r.metrics.UploadsValidated.WithLabelValues(result).Inc()
	}
}

func (r *Reactor) emitValidationFailed(ctx context.Context, desc *database.UploadDescriptor, v storage.Validation, msg string) {
	err := webhooks.EnqueueOnSession(ctx, r.producer, &webhooks.Job{
		Event:         webhooks.EventDocumentInvalid,
		Tenant:        desc.Tenant,
		CorrelationID: desc.CorrelationID,
		Data: map[string]interface{}{
			"correlation_id": desc.CorrelationID,
			"blob_path":      desc.BlobPath,
			"file_size_mb":   v.FileSizeMB,
			"error":          msg,
		},
	}, SystemSession)
	if err != nil {
		r.logger.Printf("enqueue validation_failed for %s: %v", desc.CorrelationID, err)
	}
}
