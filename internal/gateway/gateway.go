// Package gateway is the authenticated HTTP submission surface: it
// validates, persists, and enqueues demographics records, mints document
// upload capabilities, and exposes health and queue telemetry.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/claimspipe/backend/internal/credentials"
	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/health"
	"github.com/claimspipe/backend/internal/idempotency"
	"github.com/claimspipe/backend/internal/metrics"
	"github.com/claimspipe/backend/internal/middleware"
	"github.com/claimspipe/backend/internal/queue"
	"github.com/claimspipe/backend/internal/ratelimit"
	"github.com/claimspipe/backend/internal/reactor"
	"github.com/claimspipe/backend/internal/storage"
	"github.com/claimspipe/backend/internal/worker"
)

// Demographics messages are enqueued mid-priority with the worker pool's
// standard retry budget.
const (
	demographicsPriority   = 5
	demographicsMaxRetries = 3

	maxBatchRecords    = 100
	maxBatchUploadURLs = 50
	defaultListLimit   = 50
	maxListLimit       = 100
)

// Gateway owns the route handlers. Middleware is assembled in Router.
type Gateway struct {
	records  database.RecordStore
	creds    *credentials.Store
	issuer   *storage.Issuer
	producer queue.Producer
	checker  *health.Checker
	reactor  *reactor.Reactor
	metrics  *metrics.Metrics

	batchLimitBytes int
	logger          *log.Logger

	now   func() time.Time // test hooks
	newID func() string
}

// Options carries the collaborators Router wires behind the handlers.
type Options struct {
	Records         database.RecordStore
	Credentials     *credentials.Store
	Issuer          *storage.Issuer
	Producer        queue.Producer
	Checker         *health.Checker
	Reactor         *reactor.Reactor
	Metrics         *metrics.Metrics
	BatchLimitBytes int
}

func New(opts Options) *Gateway {
	if opts.BatchLimitBytes <= 0 {
		opts.BatchLimitBytes = queue.MaxMessageBytes
	}
	return &Gateway{
		records:         opts.Records,
		creds:           opts.Credentials,
		issuer:          opts.Issuer,
		producer:        opts.Producer,
		checker:         opts.Checker,
		reactor:         opts.Reactor,
		metrics:         opts.Metrics,
		batchLimitBytes: opts.BatchLimitBytes,
		logger:          log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		now:             time.Now,
		newID:           uuid.NewString,
	}
}

// Router assembles the /v1 surface with the ordered middleware chain:
// correlation, authentication, rate limit, idempotency.
func (g *Gateway) Router(limiter *ratelimit.Limiter, cache *idempotency.Cache) *mux.Router {
	auth := middleware.NewAuthenticator(g.creds)
	rate := middleware.RateLimit(limiter, g.metrics)
	idem := middleware.Idempotency(cache, g.metrics)

	protect := func(h http.HandlerFunc, scopes ...string) http.Handler {
		return auth.Require(scopes...)(rate(idem(h)))
	}

	r := mux.NewRouter()
	r.Use(middleware.Correlation)
	if g.metrics != nil {
		r.Use(middleware.Instrument(g.metrics))
	}

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.Handle("/demographics", protect(g.createDemographic, credentials.ScopeDemographicsWrite)).Methods(http.MethodPost)
	v1.Handle("/demographics/batch", protect(g.createBatch, credentials.ScopeDemographicsWrite)).Methods(http.MethodPost)
	v1.Handle("/demographics", protect(g.listDemographics, credentials.ScopeDemographicsRead)).Methods(http.MethodGet)
	v1.Handle("/demographics/{id}", protect(g.getDemographic, credentials.ScopeDemographicsRead)).Methods(http.MethodGet)
	v1.Handle("/demographics/{id}", protect(g.updateDemographic, credentials.ScopeDemographicsWrite)).Methods(http.MethodPut)
	v1.Handle("/demographics/{id}", protect(g.deleteDemographic, credentials.ScopeDemographicsDelete)).Methods(http.MethodDelete)

	v1.Handle("/documents/upload-url", protect(g.issueUploadURL, credentials.ScopeFilesUpload)).Methods(http.MethodPost)
	v1.Handle("/documents/batch-upload-urls", protect(g.issueBatchUploadURLs, credentials.ScopeFilesUpload)).Methods(http.MethodPost)
	v1.Handle("/documents/{correlationId}/status", protect(g.uploadStatus, credentials.ScopeDemographicsRead)).Methods(http.MethodGet)

	v1.Handle("/admin/api-keys", protect(g.createAPIKey, credentials.ScopeDemographicsAdmin)).Methods(http.MethodPost)

	// The storage platform presents a files:upload credential on its
	// completion callback; the poll fallback covers platforms that cannot.
	if g.reactor != nil {
		v1.Handle("/internal/blob-events", protect(g.blobWritten, credentials.ScopeFilesUpload)).Methods(http.MethodPost)
	}

	v1.HandleFunc("/health", g.checker.Handler()).Methods(http.MethodGet)
	v1.Handle("/queues", protect(g.checker.QueuesHandler(), credentials.ScopeDemographicsRead)).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// enqueueDemographics hands a record action to the ordered worker pool.
func (g *Gateway) enqueueDemographics(r *http.Request, action string, rec *database.Record) error {
	payload, err := json.Marshal(worker.DemographicsJob{Action: action, Record: rec})
	if err != nil {
		return err
	}
	return g.producer.Send(r.Context(), queue.TopicDemographics, &queue.Message{
		ID:            g.newID(),
		Type:          queue.TypeDemographics,
		Payload:       payload,
		Session:       queue.SessionFor("demographics", rec.Tenant),
		Priority:      demographicsPriority,
		MaxRetries:    demographicsMaxRetries,
		CreatedAt:     g.now().UTC(),
		CorrelationID: middleware.CorrelationID(r.Context()),
	})
}
