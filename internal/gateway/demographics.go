package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/middleware"
	"github.com/claimspipe/backend/internal/webhooks"
	"github.com/claimspipe/backend/internal/worker"
)

// readBody drains the request up to one byte past the enqueue limit so
// over-size payloads are detectable without buffering arbitrary input.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(g.batchLimitBytes)+1))
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeValidationError, "unreadable request body")
		return nil, false
	}
	if len(body) > g.batchLimitBytes {
		middleware.WriteError(w, r, http.StatusRequestEntityTooLarge, middleware.CodeValidationError,
			"payload exceeds the enqueue size limit; split the submission")
		return nil, false
	}
	return body, true
}

func (g *Gateway) createDemographic(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())
	body, ok := g.readBody(w, r)
	if !ok {
		return
	}
	if fields := validatePayload(body); len(fields) > 0 {
		writeValidationError(w, r, fields)
		return
	}

	now := g.now().UTC()
	rec := &database.Record{
		ID:              g.newID(),
		Tenant:          tc.Tenant,
		Payload:         body,
		Status:          database.RecordActive,
		ProcessingState: database.ProcessingAccepted,
		CreatedBy:       tc.Principal,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := g.records.CreateRecord(r.Context(), rec); err != nil {
		g.internalError(w, r, "create record", err)
		return
	}
	if err := g.enqueueDemographics(r, worker.ActionCreate, rec); err != nil {
		g.internalError(w, r, "enqueue record", err)
		return
	}
	g.notify(r, webhooks.EventCreated, rec.ID, map[string]interface{}{
		"id":     rec.ID,
		"status": rec.ProcessingState,
	})

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         rec.ID,
		"status":     database.ProcessingAccepted,
		"created_at": rec.CreatedAt,
	})
}

type batchRequest struct {
	Records      []json.RawMessage `json:"records"`
	BatchOptions struct {
		NotifyOnCompletion bool `json:"notify_on_completion"`
	} `json:"batch_options"`
	WebhookURL string `json:"webhook_url"`
}

type batchResult struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// createBatch processes items sequentially; one bad item never fails the
// batch. The whole request is acknowledged 202 once every item has been
// either persisted-and-enqueued or rejected.
func (g *Gateway) createBatch(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())

	// A full batch is at most maxBatchRecords record-limit payloads plus
	// envelope; reading past that cap means the request can never be valid.
	limit := int64(g.batchLimitBytes)*maxBatchRecords + 4096
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeValidationError, "unreadable request body")
		return
	}
	if int64(len(body)) > limit {
		middleware.WriteError(w, r, http.StatusRequestEntityTooLarge, middleware.CodeValidationError,
			"batch body exceeds the size limit; split the submission")
		return
	}
	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeValidationError, "invalid JSON body")
		return
	}
	if len(req.Records) == 0 {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeValidationError, "records must not be empty")
		return
	}
	if len(req.Records) > maxBatchRecords {
		middleware.WriteError(w, r, http.StatusRequestEntityTooLarge, middleware.CodeValidationError,
			"batch exceeds "+strconv.Itoa(maxBatchRecords)+" records")
		return
	}

	results := make([]batchResult, 0, len(req.Records))
	succeeded := 0
	for i, raw := range req.Records {
		res := batchResult{Index: i}
		switch {
		case len(raw) > g.batchLimitBytes:
			res.Status = "failed"
			res.Error = "record exceeds the enqueue size limit"
		default:
			if fields := validatePayload(raw); len(fields) > 0 {
				res.Status = "failed"
				res.Error = fields[0].Field + ": " + fields[0].Message
				break
			}
			now := g.now().UTC()
			rec := &database.Record{
				ID:              g.newID(),
				Tenant:          tc.Tenant,
				Payload:         raw,
				Status:          database.RecordActive,
				ProcessingState: database.ProcessingAccepted,
				CreatedBy:       tc.Principal,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := g.records.CreateRecord(r.Context(), rec); err != nil {
				g.logger.Printf("batch item %d persist: %v", i, err)
				res.Status = "failed"
				res.Error = "persist failed"
				break
			}
			if err := g.enqueueDemographics(r, worker.ActionCreate, rec); err != nil {
				g.logger.Printf("batch item %d enqueue: %v", i, err)
				res.Status = "failed"
				res.Error = "enqueue failed"
				break
			}
			res.ID = rec.ID
			res.Status = database.ProcessingAccepted
			succeeded++
		}
		results = append(results, res)
	}

	failed := len(results) - succeeded
	if req.BatchOptions.NotifyOnCompletion && req.WebhookURL != "" {
		job := &webhooks.Job{
			Event:         webhooks.EventBatchCompleted,
			Tenant:        tc.Tenant,
			CorrelationID: middleware.CorrelationID(r.Context()),
			TargetURL:     req.WebhookURL,
			Data: map[string]interface{}{
				"total":     len(results),
				"succeeded": succeeded,
				"failed":    failed,
			},
		}
		if err := webhooks.Enqueue(r.Context(), g.producer, job); err != nil {
			g.logger.Printf("batch completion webhook: %v", err)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"results": results,
		"metadata": map[string]interface{}{
			"total":     len(results),
			"succeeded": succeeded,
			"failed":    failed,
		},
	})
}

func (g *Gateway) listDemographics(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())
	q := r.URL.Query()

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeValidationError(w, r, []FieldError{{Field: "limit", Message: "must be between 1 and 100"}})
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeValidationError(w, r, []FieldError{{Field: "offset", Message: "must be a non-negative integer"}})
			return
		}
		offset = n
	}
	// filter_status is the only filter; unknown filter_* parameters are
	// rejected rather than silently returning unfiltered results.
	for key := range q {
		if strings.HasPrefix(key, "filter_") && key != "filter_status" {
			writeValidationError(w, r, []FieldError{{Field: key, Message: "unsupported filter; only filter_status is available"}})
			return
		}
	}
	status := q.Get("filter_status")
	switch status {
	case "", database.RecordActive, database.RecordInactive, database.RecordArchived, database.RecordDeleted:
	default:
		writeValidationError(w, r, []FieldError{{Field: "filter_status", Message: "unknown status"}})
		return
	}

	records, total, err := g.records.ListRecords(r.Context(), tc.Tenant, database.ListOptions{
		Limit:  limit,
		Offset: offset,
		Status: status,
		Search: q.Get("search"),
	})
	if err != nil {
		g.internalError(w, r, "list records", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": records,
		"pagination": map[string]interface{}{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	})
}

func (g *Gateway) getDemographic(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())
	rec, err := g.records.GetRecord(r.Context(), tc.Tenant, mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) {
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, "record not found")
		return
	}
	if err != nil {
		g.internalError(w, r, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rec})
}

func (g *Gateway) updateDemographic(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())
	id := mux.Vars(r)["id"]

	body, ok := g.readBody(w, r)
	if !ok {
		return
	}
	if fields := validatePayload(body); len(fields) > 0 {
		writeValidationError(w, r, fields)
		return
	}

	rec, err := g.records.UpdateRecord(r.Context(), tc.Tenant, id, body)
	if errors.Is(err, database.ErrNotFound) {
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, "record not found")
		return
	}
	if err != nil {
		g.internalError(w, r, "update record", err)
		return
	}
	if err := g.enqueueDemographics(r, worker.ActionUpdate, rec); err != nil {
		g.internalError(w, r, "enqueue update", err)
		return
	}
	g.notify(r, webhooks.EventUpdated, rec.ID, map[string]interface{}{"id": rec.ID})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         rec.ID,
		"updated_at": rec.UpdatedAt,
	})
}

func (g *Gateway) deleteDemographic(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())
	id := mux.Vars(r)["id"]

	rec, err := g.records.GetRecord(r.Context(), tc.Tenant, id)
	if errors.Is(err, database.ErrNotFound) {
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, "record not found")
		return
	}
	if err != nil {
		g.internalError(w, r, "load record", err)
		return
	}

	deletedAt, err := g.records.SoftDeleteRecord(r.Context(), tc.Tenant, id)
	if errors.Is(err, database.ErrNotFound) {
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, "record not found")
		return
	}
	if err != nil {
		g.internalError(w, r, "delete record", err)
		return
	}

	rec.Status = database.RecordDeleted
	rec.DeletedAt = &deletedAt
	if err := g.enqueueDemographics(r, worker.ActionDelete, rec); err != nil {
		g.internalError(w, r, "enqueue delete", err)
		return
	}
	g.notify(r, webhooks.EventDeleted, rec.ID, map[string]interface{}{"id": rec.ID})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         id,
		"deleted_at": deletedAt,
	})
}

// notify emits a tenant webhook with a compact summary; notification is
// best-effort and never fails the acknowledged write.
func (g *Gateway) notify(r *http.Request, event, submissionID string, data map[string]interface{}) {
	tc := middleware.TenantFrom(r.Context())
	err := webhooks.Enqueue(r.Context(), g.producer, &webhooks.Job{
		Event:         event,
		Tenant:        tc.Tenant,
		Data:          data,
		CorrelationID: middleware.CorrelationID(r.Context()),
		SubmissionID:  submissionID,
	})
	if err != nil {
		g.logger.Printf("enqueue %s webhook for %s: %v", event, submissionID, err)
	}
}

func (g *Gateway) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	g.logger.Printf("%s (%s): %v", op, middleware.CorrelationID(r.Context()), err)
	middleware.WriteError(w, r, http.StatusInternalServerError, middleware.CodeInternalError, "internal error")
}
