package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/queue"
	"github.com/claimspipe/backend/internal/webhooks"
)

// DeadLetterReaper drains terminally failed demographics messages, records
// the failed state on the record, and notifies the tenant once.
type DeadLetterReaper struct {
	q        queue.DeadLetterConsumer
	records  database.RecordStore
	producer queue.Producer
	interval time.Duration
	logger   *log.Logger
}

func NewDeadLetterReaper(q queue.DeadLetterConsumer, records database.RecordStore, producer queue.Producer) *DeadLetterReaper {
	return &DeadLetterReaper{
		q:        q,
		records:  records,
		producer: producer,
		interval: 5 * time.Second,
		logger:   log.New(log.Writer(), "[DEAD-LETTER] ", log.LstdFlags),
	}
}

// Run polls the dead-letter store until ctx is cancelled.
func (r *DeadLetterReaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for r.drainOne(ctx) {
			}
		}
	}
}

// drainOne takes and records a single dead letter; false when the store is
// empty.
func (r *DeadLetterReaper) drainOne(ctx context.Context) bool {
	msg, reason, err := r.q.TakeDeadLetter(ctx, queue.TopicDemographics)
	if err != nil {
		r.logger.Printf("take dead letter: %v", err)
		return false
	}
	if msg == nil {
		return false
	}

	var job DemographicsJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil || job.Record == nil || job.Record.ID == "" {
		r.logger.Printf("dead letter %s is unparseable (%s), dropping", msg.ID, reason)
		return true
	}

	if err := r.records.SetProcessingState(ctx, job.Record.ID, database.ProcessingFailed); err != nil {
		r.logger.Printf("mark %s failed: %v", job.Record.ID, err)
	}

	err = webhooks.Enqueue(ctx, r.producer, &webhooks.Job{
		Event:         webhooks.EventFailed,
		Tenant:        job.Record.Tenant,
		CorrelationID: msg.CorrelationID,
		SubmissionID:  job.Record.ID,
		Data: map[string]interface{}{
			"submission_id": job.Record.ID,
			"reason":        reason,
		},
	})
	if err != nil {
		r.logger.Printf("enqueue failed webhook for %s: %v", job.Record.ID, err)
	}

	r.logger.Printf("retired %s for %s (%s)", msg.ID, job.Record.Tenant, reason)
	return true
}
