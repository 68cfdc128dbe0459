package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/metrics"
	"github.com/claimspipe/backend/internal/queue"
)

func jobDelivery(t *testing.T, job *Job) *queue.Delivery {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return &queue.Delivery{Message: queue.Message{
		ID:            "msg-1",
		Type:          queue.TypeWebhook,
		Payload:       payload,
		Session:       queue.SessionFor("webhook", job.Tenant),
		MaxRetries:    DefaultMaxRetries,
		CorrelationID: job.CorrelationID,
	}}
}

func TestDispatcherDelivers(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(NewTargetResolver(srv.URL, nil), db, q, "topsecret")

	job := &Job{Event: EventProcessed, Tenant: "acme", CorrelationID: "corr-1", SubmissionID: "sub-1",
		Data: map[string]interface{}{"submission_id": "sub-1"}}
	out := d.Handle(context.Background(), jobDelivery(t, job))
	assert.Equal(t, queue.OutcomeComplete, out.Kind)

	// Signed body verifies against the shared secret.
	ok, err := Verify(gotBody, "topsecret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "corr-1", gotHeader.Get("X-Correlation-ID"))
	assert.Equal(t, "0", gotHeader.Get("X-Retry-Attempt"))
	assert.NotEmpty(t, gotHeader.Get("X-Webhook-Signature"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))

	attempts, err := db.ListAttempts(context.Background(), "acme", "sub-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, database.AttemptDelivered, attempts[0].Status)
	assert.Equal(t, http.StatusOK, attempts[0].HTTPStatus)
}

func TestDispatcherSchedulesRetryOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "downstream on fire", http.StatusBadGateway)
	}))
	defer srv.Close()

	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(NewTargetResolver(srv.URL, nil), db, q, "topsecret")

	job := &Job{Event: EventProcessed, Tenant: "acme", CorrelationID: "corr-2", SubmissionID: "sub-2",
		Data: map[string]interface{}{}}
	out := d.Handle(context.Background(), jobDelivery(t, job))

	// The failed attempt completes; the retry rides a fresh scheduled message.
	assert.Equal(t, queue.OutcomeComplete, out.Kind)

	attempts, err := db.ListAttempts(context.Background(), "acme", "sub-2")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, database.AttemptRetryFailed, attempts[0].Status)
	assert.Equal(t, http.StatusBadGateway, attempts[0].HTTPStatus)
	assert.Contains(t, attempts[0].ResponseExcerpt, "downstream on fire")

	depths, err := q.Depths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depths[queue.TopicWebhooks].Scheduled)
}

func TestDispatcherPermanentFailureSkipsPost(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
	}))
	defer srv.Close()

	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(NewTargetResolver(srv.URL, nil), db, q, "topsecret")

	job := &Job{Event: EventProcessed, Tenant: "acme", CorrelationID: "corr-3", SubmissionID: "sub-3",
		Attempt: DefaultMaxRetries, Data: map[string]interface{}{}}
	out := d.Handle(context.Background(), jobDelivery(t, job))
	assert.Equal(t, queue.OutcomeComplete, out.Kind)
	assert.Zero(t, posts)

	attempts, err := db.ListAttempts(context.Background(), "acme", "sub-3")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, database.AttemptFailed, attempts[0].Status)
	assert.Equal(t, DefaultMaxRetries, attempts[0].Attempt)

	depths, err := q.Depths(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depths[queue.TopicWebhooks].Scheduled)
}

func TestDispatcherCountsDeliveryOutcomes(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(NewTargetResolver(srv.URL, nil), db, q, "topsecret")
	m := metrics.NewWith(prometheus.NewRegistry())
	d.SetMetrics(m)

	job := &Job{Event: EventProcessed, Tenant: "acme", CorrelationID: "corr-6", SubmissionID: "sub-6",
		Data: map[string]interface{}{}}
	d.Handle(context.Background(), jobDelivery(t, job)) // 502
	d.Handle(context.Background(), jobDelivery(t, job)) // 200

	spent := &Job{Event: EventProcessed, Tenant: "acme", CorrelationID: "corr-6", SubmissionID: "sub-6",
		Attempt: DefaultMaxRetries, Data: map[string]interface{}{}}
	d.Handle(context.Background(), jobDelivery(t, spent))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues(EventProcessed, "retry_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues(EventProcessed, "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues(EventProcessed, "failed_permanently")))
	// POST latency was observed for the event that actually went out.
	assert.Equal(t, 1, testutil.CollectAndCount(m.WebhookDuration))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, backoffFor(0))
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 32*time.Second, backoffFor(5))
	assert.Equal(t, maxBackoff, backoffFor(6))
	assert.Equal(t, maxBackoff, backoffFor(40))
}

func TestDispatcherNoTargetConfigured(t *testing.T) {
	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(NewTargetResolver("", nil), db, q, "topsecret")

	job := &Job{Event: EventCreated, Tenant: "acme", CorrelationID: "corr-4", SubmissionID: "sub-4",
		Data: map[string]interface{}{}}
	out := d.Handle(context.Background(), jobDelivery(t, job))
	assert.Equal(t, queue.OutcomeComplete, out.Kind)

	attempts, err := db.ListAttempts(context.Background(), "acme", "sub-4")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestDispatcherDeadLettersMalformedJob(t *testing.T) {
	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(NewTargetResolver("http://unused.example", nil), db, q, "topsecret")

	out := d.Handle(context.Background(), &queue.Delivery{Message: queue.Message{
		ID: "msg-bad", Type: queue.TypeWebhook, Payload: []byte("{not json"),
	}})
	assert.Equal(t, queue.OutcomeDeadLetter, out.Kind)

	out = d.Handle(context.Background(), &queue.Delivery{Message: queue.Message{
		ID: "msg-empty", Type: queue.TypeWebhook, Payload: []byte(`{"data":{}}`),
	}})
	assert.Equal(t, queue.OutcomeDeadLetter, out.Kind)
}

func TestDispatcherBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(NewTargetResolver(srv.URL, nil), db, q, "topsecret")

	for i := 0; i < 7; i++ {
		job := &Job{Event: EventProcessed, Tenant: "acme", CorrelationID: "corr-5", SubmissionID: "sub-5",
			Data: map[string]interface{}{}}
		d.Handle(context.Background(), jobDelivery(t, job))
	}
	// Five consecutive failures trip the breaker; later jobs never reach
	// the target but still audit and reschedule.
	assert.Equal(t, 5, posts)

	attempts, err := db.ListAttempts(context.Background(), "acme", "sub-5")
	require.NoError(t, err)
	assert.Len(t, attempts, 7)
	for _, a := range attempts {
		assert.Equal(t, database.AttemptRetryFailed, a.Status)
	}
}
