package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/queue"
	"github.com/claimspipe/backend/internal/storage"
)

// DocumentJob is the payload of a documents-topic message. The topic is
// unordered; each blob is independent.
type DocumentJob struct {
	CorrelationID string `json:"correlation_id"`
	Tenant        string `json:"tenant"`
	BlobPath      string `json:"blob_path"`
	ContentType   string `json:"content_type"`
	FileSize      int64  `json:"file_size"`
}

// DocumentHandler classifies and finalizes uploaded blobs, moving their
// descriptors from uploaded to processing to completed.
type DocumentHandler struct {
	issuer *storage.Issuer
	logger *log.Logger
}

func NewDocumentHandler(issuer *storage.Issuer) *DocumentHandler {
	return &DocumentHandler{
		issuer: issuer,
		logger: log.New(log.Writer(), "[DOCS] ", log.LstdFlags),
	}
}

func (h *DocumentHandler) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	var job DocumentJob
	if err := json.Unmarshal(d.Message.Payload, &job); err != nil {
		h.logger.Printf("malformed message %s: %v", d.Message.ID, err)
		return queue.DeadLettered("malformed")
	}
	if job.CorrelationID == "" || job.BlobPath == "" {
		return queue.DeadLettered("malformed")
	}

	if err := h.issuer.SetStatus(ctx, job.CorrelationID, database.UploadProcessing, job.FileSize, ""); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return queue.DeadLettered("unknown upload descriptor")
		}
		return queue.Abandoned()
	}

	kind := classifyDocument(job.ContentType, job.BlobPath)
	h.logger.Printf("processed %s (%s, %s) for %s", job.BlobPath, kind, job.ContentType, job.Tenant)

	if err := h.issuer.SetStatus(ctx, job.CorrelationID, database.UploadCompleted, job.FileSize, ""); err != nil {
		return queue.Abandoned()
	}
	return queue.Completed()
}

// classifyDocument buckets an upload by declared type, falling back to the
// file extension.
func classifyDocument(contentType, blobPath string) string {
	switch {
	case strings.HasPrefix(contentType, "application/pdf"):
		return "pdf"
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "text/"):
		return "text"
	}
	switch {
	case strings.HasSuffix(blobPath, ".pdf"):
		return "pdf"
	case strings.HasSuffix(blobPath, ".png"), strings.HasSuffix(blobPath, ".jpg"), strings.HasSuffix(blobPath, ".jpeg"):
		return "image"
	default:
		return "binary"
	}
}
