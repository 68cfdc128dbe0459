package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/claimspipe/backend/internal/circuitbreaker"
	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/events"
	"github.com/claimspipe/backend/internal/metrics"
	"github.com/claimspipe/backend/internal/queue"
)

// DefaultMaxRetries bounds POST attempts per notification. Once the
// attempt counter reaches it, the notification is recorded as permanently
// failed without another POST.
const DefaultMaxRetries = 3

const (
	firstAttemptTimeout = 10 * time.Second
	retryTimeout        = 15 * time.Second
	maxBackoff          = 60 * time.Second
	excerptLimit        = 500
	userAgent           = "claimspipe-webhooks/1.0"
)

// Job is the payload of a webhooks-fifo message. Attempt counts completed
// POST attempts; each retry is a fresh scheduled message carrying
// Attempt+1 on the same session so tenant ordering survives backoff.
type Job struct {
	Event         string                 `json:"event"`
	Tenant        string                 `json:"tenant"`
	Data          map[string]interface{} `json:"data"`
	CorrelationID string                 `json:"correlation_id"`
	SubmissionID  string                 `json:"submission_id,omitempty"`
	Attempt       int                    `json:"attempt"`
	// TargetURL overrides tenant target resolution. Batch-completion
	// notifications carry the caller-supplied URL here.
	TargetURL string `json:"target_url,omitempty"`
}

// Enqueue serializes a job onto the webhooks topic under the tenant's
// session.
func Enqueue(ctx context.Context, p queue.Producer, job *Job) error {
	return EnqueueOnSession(ctx, p, job, queue.SessionFor("webhook", job.Tenant))
}

// EnqueueOnSession enqueues under an explicit session; failure events that
// must not ride the tenant's ordered stream use the "system" session.
func EnqueueOnSession(ctx context.Context, p queue.Producer, job *Job, session string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal webhook job: %w", err)
	}
	return p.Send(ctx, queue.TopicWebhooks, &queue.Message{
		ID:            uuid.NewString(),
		Type:          queue.TypeWebhook,
		Payload:       payload,
		Session:       session,
		RetryCount:    job.Attempt,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: job.CorrelationID,
	})
}

// Dispatcher delivers webhook jobs: sign, POST, audit, and reschedule
// failures with exponential backoff. It implements queue.Handler and runs
// inside a session pool so one tenant's deliveries stay ordered.
type Dispatcher struct {
	targets  *TargetResolver
	attempts database.AttemptStore
	producer queue.Producer
	breakers *circuitbreaker.Manager
	client   *http.Client
	secret   string
	mirror   events.Publisher
	metrics  *metrics.Metrics
	logger   *log.Logger

	now func() time.Time // test hook
}

func NewDispatcher(targets *TargetResolver, attempts database.AttemptStore, producer queue.Producer, secret string) *Dispatcher {
	return &Dispatcher{
		targets:  targets,
		attempts: attempts,
		producer: producer,
		breakers: circuitbreaker.NewManager(nil),
		client:   &http.Client{Timeout: retryTimeout},
		secret:   secret,
		mirror:   events.NopPublisher{},
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		now:      time.Now,
	}
}

// SetMirror installs an analytics mirror for delivered events.
func (d *Dispatcher) SetMirror(m events.Publisher) {
	if m == nil {
		m = events.NopPublisher{}
	}
	d.mirror = m
}

// SetMetrics installs the delivery counter and POST latency histogram.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// BreakerStats exposes per-target circuit state for the health surface.
func (d *Dispatcher) BreakerStats() map[string]string {
	return d.breakers.Stats()
}

// Handle processes one queued webhook job.
func (d *Dispatcher) Handle(ctx context.Context, del *queue.Delivery) queue.Outcome {
	var job Job
	if err := json.Unmarshal(del.Message.Payload, &job); err != nil {
		d.logger.Printf("malformed job %s: %v", del.Message.ID, err)
		return queue.DeadLettered("malformed webhook job")
	}
	if job.Event == "" || job.Tenant == "" {
		return queue.DeadLettered("webhook job missing event or tenant")
	}

	maxRetries := del.Message.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	target := job.TargetURL
	if target == "" {
		target = d.targets.Resolve(job.Tenant)
	}
	if target == "" {
		d.logger.Printf("no target for tenant %q, dropping %s (%s)", job.Tenant, job.Event, job.CorrelationID)
		return queue.Completed()
	}

	// Retry budget already spent: record the terminal state without
	// another POST.
	if job.Attempt >= maxRetries {
		d.audit(ctx, &job, target, database.AttemptFailed, 0, "", "retry budget exhausted")
		d.countDelivery(job.Event, "failed_permanently")
		d.logger.Printf("permanently failed %s for %q after %d attempts (%s)", job.Event, job.Tenant, job.Attempt, job.CorrelationID)
		return queue.Completed()
	}

	started := time.Now()
	status, excerpt, err := d.post(ctx, &job, target)
	d.observePost(job.Event, time.Since(started))
	if err == nil {
		d.audit(ctx, &job, target, database.AttemptDelivered, status, excerpt, "")
		d.countDelivery(job.Event, "delivered")
		d.mirror.Publish(ctx, &events.Event{
			Type:          job.Event,
			Tenant:        job.Tenant,
			CorrelationID: job.CorrelationID,
			Time:          d.now().UTC(),
			Data:          job.Data,
		})
		d.logger.Printf("delivered %s to %s for %q (attempt %d, %s)", job.Event, target, job.Tenant, job.Attempt, job.CorrelationID)
		return queue.Completed()
	}

	d.audit(ctx, &job, target, database.AttemptRetryFailed, status, excerpt, err.Error())
	d.countDelivery(job.Event, "retry_failed")
	d.logger.Printf("delivery failed %s to %s for %q (attempt %d): %v", job.Event, target, job.Tenant, job.Attempt, err)

	if rErr := d.scheduleRetry(ctx, &job, maxRetries); rErr != nil {
		d.logger.Printf("schedule retry for %s: %v", job.CorrelationID, rErr)
		return queue.Abandoned()
	}
	return queue.Completed()
}

// post signs and sends the envelope. A non-2xx response or transport error
// is returned as an error alongside any HTTP status and body excerpt.
func (d *Dispatcher) post(ctx context.Context, job *Job, target string) (int, string, error) {
	settle, err := d.breakers.Get(hostOf(target)).Allow()
	if err != nil {
		return 0, "", fmt.Errorf("target suspended: %w", err)
	}

	env := NewEnvelope(job.Event, job.Tenant, job.CorrelationID, job.Data)
	body, err := Sign(env, d.secret)
	if err != nil {
		settle(false)
		return 0, "", fmt.Errorf("sign envelope: %w", err)
	}

	timeout := firstAttemptTimeout
	if job.Attempt > 0 {
		timeout = retryTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		settle(false)
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Signature", env.Signature)
	req.Header.Set("X-Correlation-ID", job.CorrelationID)
	req.Header.Set("X-Retry-Attempt", fmt.Sprintf("%d", job.Attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		settle(false)
		return 0, "", err
	}
	defer resp.Body.Close()

	excerpt := readExcerpt(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		settle(false)
		return resp.StatusCode, excerpt, fmt.Errorf("target returned %d", resp.StatusCode)
	}
	settle(true)
	return resp.StatusCode, excerpt, nil
}

// scheduleRetry enqueues the successor attempt on the same session. Backoff
// doubles per attempt and is capped; the scheduled head parks the session
// so later notifications for the tenant cannot overtake.
func (d *Dispatcher) scheduleRetry(ctx context.Context, job *Job, maxRetries int) error {
	due := d.now().UTC().Add(backoffFor(job.Attempt))

	next := *job
	next.Attempt = job.Attempt + 1

	payload, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	return d.producer.Send(ctx, queue.TopicWebhooks, &queue.Message{
		ID:            uuid.NewString(),
		Type:          queue.TypeWebhook,
		Payload:       payload,
		Session:       queue.SessionFor("webhook", job.Tenant),
		RetryCount:    next.Attempt,
		MaxRetries:    maxRetries,
		CreatedAt:     d.now().UTC(),
		ScheduledFor:  &due,
		CorrelationID: job.CorrelationID,
	})
}

func (d *Dispatcher) audit(ctx context.Context, job *Job, target, status string, httpStatus int, excerpt, lastErr string) {
	a := &database.DeliveryAttempt{
		SubmissionID:    job.SubmissionID,
		Tenant:          job.Tenant,
		TargetURL:       target,
		Event:           job.Event,
		Status:          status,
		HTTPStatus:      httpStatus,
		ResponseExcerpt: excerpt,
		Attempt:         job.Attempt,
		LastError:       lastErr,
		CorrelationID:   job.CorrelationID,
		AttemptedAt:     d.now().UTC(),
	}
	if err := d.attempts.AppendAttempt(ctx, a); err != nil {
		d.logger.Printf("append attempt for %s: %v", job.CorrelationID, err)
	}
}

func (d *Dispatcher) countDelivery(event, status string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(event, status).Inc()
	}
}

func (d *Dispatcher) observePost(event string, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.WebhookDuration.WithLabelValues(event).Observe(elapsed.Seconds())
	}
}

// backoffFor doubles per attempt starting at one second, capped.
func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		return maxBackoff
	}
	b := time.Duration(1<<uint(attempt)) * time.Second
	if b > maxBackoff {
		b = maxBackoff
	}
	return b
}

func readExcerpt(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, excerptLimit))
	return string(b)
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}
