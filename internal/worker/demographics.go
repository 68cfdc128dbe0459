package worker

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/queue"
	"github.com/claimspipe/backend/internal/webhooks"
)

// Record actions carried on demographics messages.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// DemographicsJob is the payload of a demographics-fifo message.
type DemographicsJob struct {
	Action string           `json:"action"`
	Record *database.Record `json:"record"`
}

// DemographicsHandler applies the per-record state machine: upsert the
// record, mark it completed, and emit a demographics.processed webhook.
// Reprocessing after a redelivery is idempotent because the record id is
// the natural key.
type DemographicsHandler struct {
	records  database.RecordStore
	producer queue.Producer
	logger   *log.Logger

	now func() time.Time // test hook
}

func NewDemographicsHandler(records database.RecordStore, producer queue.Producer) *DemographicsHandler {
	return &DemographicsHandler{
		records:  records,
		producer: producer,
		logger:   log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
		now:      time.Now,
	}
}

func (h *DemographicsHandler) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	start := h.now()

	var job DemographicsJob
	if err := json.Unmarshal(d.Message.Payload, &job); err != nil {
		h.logger.Printf("malformed message %s: %v", d.Message.ID, err)
		return queue.DeadLettered("malformed")
	}
	if job.Record == nil || job.Record.ID == "" || job.Record.Tenant == "" {
		h.logger.Printf("message %s missing record envelope", d.Message.ID)
		return queue.DeadLettered("malformed")
	}

	// The session name is derived and lossy; the record carries the
	// canonical tenant. Display form is for logs only.
	display := displayTenant(d.Message.Session)

	rec := *job.Record
	rec.UpdatedAt = h.now().UTC()
	switch job.Action {
	case ActionDelete:
		rec.Status = database.RecordDeleted
		rec.ProcessingState = database.ProcessingCompleted
	case ActionCreate, ActionUpdate, "":
		rec.ProcessingState = database.ProcessingCompleted
	default:
		h.logger.Printf("message %s has unknown action %q", d.Message.ID, job.Action)
		return queue.DeadLettered("malformed")
	}

	if err := h.records.UpsertRecord(ctx, &rec); err != nil {
		h.logger.Printf("upsert %s (%s): %v", rec.ID, display, err)
		return queue.Abandoned() // business failure, let the broker redeliver
	}

	elapsed := h.now().Sub(start)
	err := webhooks.Enqueue(ctx, h.producer, &webhooks.Job{
		Event:         webhooks.EventProcessed,
		Tenant:        rec.Tenant,
		CorrelationID: d.Message.CorrelationID,
		SubmissionID:  rec.ID,
		Data: map[string]interface{}{
			"submission_id":    rec.ID,
			"action":           job.Action,
			"processing_ms":    elapsed.Milliseconds(),
			"processing_state": rec.ProcessingState,
		},
	})
	if err != nil {
		// The upsert already landed; replaying it is safe.
		h.logger.Printf("enqueue processed webhook for %s: %v", rec.ID, err)
		return queue.Abandoned()
	}

	h.logger.Printf("processed %s for %s in %s (delivery %d)", rec.ID, display, elapsed, d.DeliveryCount)
	return queue.Completed()
}

// displayTenant strips the topic prefix from a session name for logging.
func displayTenant(session string) string {
	if i := strings.IndexByte(session, '_'); i >= 0 {
		return session[i+1:]
	}
	return session
}
