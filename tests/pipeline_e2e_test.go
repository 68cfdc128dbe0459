// Package tests runs the ingestion plane end to end: gateway, ordered
// worker pool, webhook dispatcher, and audit, against in-memory backends
// and a live httptest webhook target.
package tests

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimspipe/backend/internal/credentials"
	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/gateway"
	"github.com/claimspipe/backend/internal/health"
	"github.com/claimspipe/backend/internal/idempotency"
	"github.com/claimspipe/backend/internal/queue"
	"github.com/claimspipe/backend/internal/ratelimit"
	"github.com/claimspipe/backend/internal/storage"
	"github.com/claimspipe/backend/internal/webhooks"
	"github.com/claimspipe/backend/internal/worker"
)

const e2eSecret = "e2e-signing-secret"

// captureTarget is a live webhook receiver. failFirst makes the first N
// requests answer 500 so the retry path is exercised.
type captureTarget struct {
	mu        sync.Mutex
	bodies    [][]byte
	failFirst int
	seen      int
	srv       *httptest.Server
}

func newCaptureTarget(failFirst int) *captureTarget {
	ct := &captureTarget{failFirst: failFirst}
	ct.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ct.mu.Lock()
		ct.seen++
		fail := ct.seen <= ct.failFirst
		if !fail {
			ct.bodies = append(ct.bodies, body)
		}
		ct.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return ct
}

func (ct *captureTarget) envelopes(t *testing.T) []webhooks.Envelope {
	t.Helper()
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]webhooks.Envelope, 0, len(ct.bodies))
	for _, b := range ct.bodies {
		ok, err := webhooks.Verify(b, e2eSecret)
		require.NoError(t, err)
		require.True(t, ok, "signature must verify: %s", b)
		var env webhooks.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		out = append(out, env)
	}
	return out
}

type pipeline struct {
	db     *database.MemoryStore
	q      *queue.MemoryQueue
	router http.Handler
	apiKey string
	target *captureTarget
}

// startPipeline boots the full plane for one tenant with every pool
// running, wired to a capture target.
func startPipeline(t *testing.T, tenant string, failFirst int) *pipeline {
	t.Helper()

	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	creds := credentials.NewStore(db, "ms_")
	limiter := ratelimit.NewLimiter(nil)
	mr := miniredis.RunT(t)
	cache := idempotency.NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	issuer := storage.NewIssuer(storage.NewMemoryObjectStore(), db)

	target := newCaptureTarget(failFirst)
	t.Cleanup(target.srv.Close)

	targets := webhooks.NewTargetResolver("", nil)
	targets.SetOverride(tenant, target.srv.URL)
	dispatcher := webhooks.NewDispatcher(targets, db, q, e2eSecret)

	g := gateway.New(gateway.Options{
		Records:     db,
		Credentials: creds,
		Issuer:      issuer,
		Producer:    q,
		Checker:     health.NewChecker(db, q, limiter),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.NewPool("DEMOGRAPHICS", q, queue.TopicDemographics,
		worker.NewDemographicsHandler(db, q), 4).Run(ctx)
	go worker.NewPool("WEBHOOKS", q, queue.TopicWebhooks, dispatcher, 2).Run(ctx)

	_, plaintext, err := creds.Issue(context.Background(), tenant, "e2e",
		[]string{credentials.ScopeDemographicsWrite, credentials.ScopeDemographicsRead},
		database.RateLimitProfile{}, nil, nil)
	require.NoError(t, err)

	return &pipeline{
		db:     db,
		q:      q,
		router: g.Router(limiter, cache),
		apiKey: plaintext,
		target: target,
	}
}

func (p *pipeline) post(t *testing.T, path, idemKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", p.apiKey)
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	rr := httptest.NewRecorder()
	p.router.ServeHTTP(rr, req)
	return rr
}

func TestSubmissionFlowsToProcessedWebhook(t *testing.T) {
	p := startPipeline(t, "Smith & Associates", 0)

	rr := p.post(t, "/v1/demographics", "", `{"first_name":"Ada","settlement_amount":1250.50}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	var envs []webhooks.Envelope
	require.Eventually(t, func() bool {
		envs = p.target.envelopes(t)
		return len(envs) >= 2
	}, 15*time.Second, 50*time.Millisecond, "expected created and processed webhooks")

	assert.Equal(t, webhooks.EventCreated, envs[0].Event)
	assert.Equal(t, webhooks.EventProcessed, envs[1].Event)
	for _, env := range envs {
		assert.Equal(t, "Smith & Associates", env.Tenant)
	}

	rec, err := p.db.GetRecord(context.Background(), "Smith & Associates", created.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ProcessingCompleted, rec.ProcessingState)
}

func TestPerTenantWebhookOrderFollowsSubmissionOrder(t *testing.T) {
	p := startPipeline(t, "acme", 0)

	ids := make([]string, 3)
	for i := range ids {
		rr := p.post(t, "/v1/demographics", "", `{"first_name":"r`+string(rune('a'+i))+`"}`)
		require.Equal(t, http.StatusCreated, rr.Code)
		var created struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
		ids[i] = created.ID
	}

	var envs []webhooks.Envelope
	require.Eventually(t, func() bool {
		envs = p.target.envelopes(t)
		return len(envs) >= 6
	}, 20*time.Second, 50*time.Millisecond)

	// Created events preserve submission order, and each record's created
	// event precedes its processed event.
	createdOrder := make([]string, 0, 3)
	firstSeen := map[string]string{}
	for _, env := range envs {
		id, _ := env.Data["id"].(string)
		if id == "" {
			id, _ = env.Data["submission_id"].(string)
		}
		if env.Event == webhooks.EventCreated {
			createdOrder = append(createdOrder, id)
		}
		if _, ok := firstSeen[id]; !ok {
			firstSeen[id] = env.Event
		}
	}
	assert.Equal(t, ids, createdOrder)
	for id, first := range firstSeen {
		assert.Equal(t, webhooks.EventCreated, first, "record %s processed before created", id)
	}
}

func TestIdempotentReplayReturnsFirstResponse(t *testing.T) {
	p := startPipeline(t, "acme", 0)

	const key = "55555555-5555-4555-8555-555555555555"
	first := p.post(t, "/v1/demographics", key, `{"first_name":"Ada"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	// Replays byte-equal the first response once the binding lands.
	require.Eventually(t, func() bool {
		_, total, err := p.db.ListRecords(context.Background(), "acme", database.ListOptions{Limit: 10})
		require.NoError(t, err)
		replay := p.post(t, "/v1/demographics", key, `{"first_name":"Ada"}`)
		return replay.Code == http.StatusCreated &&
			replay.Body.String() == first.Body.String() &&
			total == 1
	}, 5*time.Second, 50*time.Millisecond)

	conflict := p.post(t, "/v1/demographics", key, `{"first_name":"Grace"}`)
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestWebhookRetryAfterTargetFailure(t *testing.T) {
	p := startPipeline(t, "acme", 1)

	rr := p.post(t, "/v1/demographics", "", `{"first_name":"Ada"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	// First POST fails; the scheduled successor delivers about a second
	// later on the same session.
	require.Eventually(t, func() bool {
		return len(p.target.envelopes(t)) >= 2
	}, 20*time.Second, 100*time.Millisecond)

	attempts, err := p.db.ListAttempts(context.Background(), "acme", created.ID)
	require.NoError(t, err)
	statuses := make([]string, 0, len(attempts))
	for _, a := range attempts {
		statuses = append(statuses, a.Status)
	}
	assert.Contains(t, statuses, database.AttemptRetryFailed)
	assert.Contains(t, statuses, database.AttemptDelivered)
}
