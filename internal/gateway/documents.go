package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/middleware"
	"github.com/claimspipe/backend/internal/reactor"
)

type uploadURLRequest struct {
	FileName      string `json:"fileName" validate:"required,max=255"`
	ContentType   string `json:"contentType" validate:"required,max=100"`
	DemographicID string `json:"demographicId" validate:"omitempty,uuid"`
	MaxFileSizeMB int    `json:"maxFileSizeMB" validate:"omitempty,min=1,max=100"`
}

func (g *Gateway) issueUploadURL(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())

	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeValidationError, "invalid JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeValidationError(w, r, structErrors(err))
		return
	}

	issued, err := g.issuer.IssueUpload(r.Context(), tc.Tenant, req.FileName, req.ContentType, req.DemographicID)
	if err != nil {
		g.internalError(w, r, "issue upload url", err)
		return
	}
	if g.metrics != nil {
		g.metrics.UploadsIssued.Inc()
	}
	writeJSON(w, http.StatusOK, issued)
}

type batchUploadRequest struct {
	Documents []uploadURLRequest `json:"documents" validate:"required,min=1,max=50,dive"`
}

type batchUploadResult struct {
	Index         int    `json:"index"`
	UploadURL     string `json:"uploadUrl,omitempty"`
	BlobName      string `json:"blobName,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (g *Gateway) issueBatchUploadURLs(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())

	var req batchUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeValidationError, "invalid JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeValidationError(w, r, structErrors(err))
		return
	}

	results := make([]batchUploadResult, 0, len(req.Documents))
	for i, doc := range req.Documents {
		res := batchUploadResult{Index: i}
		issued, err := g.issuer.IssueUpload(r.Context(), tc.Tenant, doc.FileName, doc.ContentType, doc.DemographicID)
		if err != nil {
			g.logger.Printf("batch upload url %d: %v", i, err)
			res.Error = "issue failed"
		} else {
			res.UploadURL = issued.UploadURL
			res.BlobName = issued.BlobPath
			res.CorrelationID = issued.CorrelationID
			if g.metrics != nil {
				g.metrics.UploadsIssued.Inc()
			}
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (g *Gateway) uploadStatus(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())

	desc, err := g.issuer.Status(r.Context(), mux.Vars(r)["correlationId"])
	if errors.Is(err, database.ErrNotFound) {
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, "upload not found")
		return
	}
	if err != nil {
		g.internalError(w, r, "upload status", err)
		return
	}
	// Descriptors in another tenant look exactly like missing ones.
	if desc.Tenant != tc.Tenant {
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, "upload not found")
		return
	}

	body := map[string]interface{}{"status": desc.Status}
	if desc.FileSize > 0 {
		body["file_size"] = desc.FileSize
	}
	if desc.Error != "" {
		body["error"] = desc.Error
	}
	writeJSON(w, http.StatusOK, body)
}

type blobEventRequest struct {
	BlobPath string `json:"blobPath" validate:"required"`
}

// blobWritten is the object-store completion callback; the reactor's poll
// loop covers stores that cannot call back.
func (g *Gateway) blobWritten(w http.ResponseWriter, r *http.Request) {
	var req blobEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeValidationError, "invalid JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeValidationError(w, r, structErrors(err))
		return
	}

	err := g.reactor.HandleBlobWritten(r.Context(), req.BlobPath)
	switch {
	case errors.Is(err, reactor.ErrUnknownPath):
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, "blob path was not issued here")
	case err != nil:
		// The event is consumed; the failure is reported on the tenant's
		// webhook stream.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "rejected"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
