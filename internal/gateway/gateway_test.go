package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimspipe/backend/internal/credentials"
	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/health"
	"github.com/claimspipe/backend/internal/idempotency"
	"github.com/claimspipe/backend/internal/queue"
	"github.com/claimspipe/backend/internal/ratelimit"
	"github.com/claimspipe/backend/internal/storage"
	"github.com/claimspipe/backend/internal/webhooks"
	"github.com/claimspipe/backend/internal/worker"
)

type fixture struct {
	db      *database.MemoryStore
	q       *queue.MemoryQueue
	creds   *credentials.Store
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	creds := credentials.NewStore(db, "ms_")
	limiter := ratelimit.NewLimiter(nil)
	issuer := storage.NewIssuer(storage.NewMemoryObjectStore(), db)

	g := New(Options{
		Records:     db,
		Credentials: creds,
		Issuer:      issuer,
		Producer:    q,
		Checker:     health.NewChecker(db, q, limiter),
	})
	return &fixture{
		db:      db,
		q:       q,
		creds:   creds,
		handler: g.Router(limiter, idempotency.NewCache(nil, 0)),
	}
}

func (f *fixture) key(t *testing.T, tenant string, scopes ...string) string {
	t.Helper()
	_, plaintext, err := f.creds.Issue(context.Background(), tenant, "test", scopes, database.RateLimitProfile{}, nil, nil)
	require.NoError(t, err)
	return plaintext
}

func (f *fixture) do(t *testing.T, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	return m
}

func TestCreateDemographicPersistsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "Smith & Associates", credentials.ScopeDemographicsWrite)

	rr := f.do(t, http.MethodPost, "/v1/demographics", key, `{"first_name":"Ada","email":"ada@example.com"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))

	body := decodeBody(t, rr)
	assert.Equal(t, "accepted", body["status"])
	id := body["id"].(string)

	rec, err := f.db.GetRecord(context.Background(), "Smith & Associates", id)
	require.NoError(t, err)
	assert.Equal(t, database.ProcessingAccepted, rec.ProcessingState)

	depths, err := f.q.Depths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depths[queue.TopicDemographics].Active)
	assert.Equal(t, 1, depths[queue.TopicWebhooks].Active)

	// The demographics message rides the tenant's ordered session.
	lease, err := f.q.LeaseNextSession(context.Background(), queue.TopicDemographics)
	require.NoError(t, err)
	assert.Equal(t, queue.SessionFor("demographics", "Smith & Associates"), lease.Session)
	ds, err := f.q.Receive(context.Background(), lease, 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	var job worker.DemographicsJob
	require.NoError(t, json.Unmarshal(ds[0].Message.Payload, &job))
	assert.Equal(t, worker.ActionCreate, job.Action)
	assert.Equal(t, id, job.Record.ID)
}

func TestCreateDemographicValidation(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeDemographicsWrite)

	rr := f.do(t, http.MethodPost, "/v1/demographics", key,
		`{"email":"not-an-email","settlement_amount":12.34567,"claimant":{"phone":"12"}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	details := body["details"].([]interface{})
	fields := make([]string, 0, len(details))
	for _, d := range details {
		fields = append(fields, d.(map[string]interface{})["field"].(string))
	}
	assert.ElementsMatch(t, []string{"email", "settlement_amount", "claimant.phone"}, fields)
}

func TestCreateDemographicScopeEnforced(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeDemographicsRead)

	rr := f.do(t, http.MethodPost, "/v1/demographics", key, `{"first_name":"Ada"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/demographics", "", `{"first_name":"Ada"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "MISSING_API_KEY")
}

func TestBatchCreateCollectsPerItemResults(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeDemographicsWrite)

	rr := f.do(t, http.MethodPost, "/v1/demographics/batch", key,
		`{"records":[{"first_name":"Ada"},{"email":"broken"},{"first_name":"Grace"}]}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	body := decodeBody(t, rr)
	meta := body["metadata"].(map[string]interface{})
	assert.Equal(t, float64(3), meta["total"])
	assert.Equal(t, float64(2), meta["succeeded"])
	assert.Equal(t, float64(1), meta["failed"])

	results := body["results"].([]interface{})
	bad := results[1].(map[string]interface{})
	assert.Equal(t, "failed", bad["status"])
	assert.Contains(t, bad["error"], "email")
}

func TestBatchCreateOverLimit(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeDemographicsWrite)

	records := make([]string, 101)
	for i := range records {
		records[i] = `{"n":1}`
	}
	rr := f.do(t, http.MethodPost, "/v1/demographics/batch", key,
		`{"records":[`+strings.Join(records, ",")+`]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestBatchBodyOverCapRejected(t *testing.T) {
	db := database.NewMemoryStore()
	q := queue.NewMemoryQueue()
	creds := credentials.NewStore(db, "ms_")
	limiter := ratelimit.NewLimiter(nil)
	issuer := storage.NewIssuer(storage.NewMemoryObjectStore(), db)
	g := New(Options{
		Records:         db,
		Credentials:     creds,
		Issuer:          issuer,
		Producer:        q,
		Checker:         health.NewChecker(db, q, limiter),
		BatchLimitBytes: 100,
	})
	f := &fixture{db: db, q: q, creds: creds, handler: g.Router(limiter, idempotency.NewCache(nil, 0))}
	key := f.key(t, "acme", credentials.ScopeDemographicsWrite)

	// The batch body cap is per-record limit times the record ceiling; a
	// single oversized blob must be refused without buffering it whole.
	big := `{"records":[{"blob":"` + strings.Repeat("x", 100*maxBatchRecords+8192) + `"}]}`
	rr := f.do(t, http.MethodPost, "/v1/demographics/batch", key, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	// A normal batch on the same gateway still goes through.
	rr = f.do(t, http.MethodPost, "/v1/demographics/batch", key, `{"records":[{"n":1}]}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestListRejectsUnknownFilter(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeDemographicsRead)

	rr := f.do(t, http.MethodGet, "/v1/demographics?filter_state=active", key, "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.Contains(t, rr.Body.String(), "filter_state")

	rr = f.do(t, http.MethodGet, "/v1/demographics?filter_status=active", key, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBatchCompletionWebhookUsesSuppliedURL(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeDemographicsWrite)

	rr := f.do(t, http.MethodPost, "/v1/demographics/batch", key,
		`{"records":[{"first_name":"Ada"}],"batch_options":{"notify_on_completion":true},"webhook_url":"https://hooks.acme.example/batch"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	// The demographics.created for the item and the batch completion both
	// ride the tenant's webhook session.
	lease, err := f.q.LeaseNextSession(context.Background(), queue.TopicWebhooks)
	require.NoError(t, err)
	require.NotNil(t, lease)
	ds, err := f.q.Receive(context.Background(), lease, 10)
	require.NoError(t, err)

	found := false
	for _, d := range ds {
		var job webhooks.Job
		require.NoError(t, json.Unmarshal(d.Message.Payload, &job))
		if job.Event == webhooks.EventBatchCompleted {
			found = true
			assert.Equal(t, "https://hooks.acme.example/batch", job.TargetURL)
			assert.Equal(t, float64(1), job.Data["succeeded"])
		}
	}
	assert.True(t, found, "batch completion webhook not enqueued")
}

func TestGetListUpdateDeleteLifecycle(t *testing.T) {
	f := newFixture(t)
	write := f.key(t, "acme", credentials.ScopeDemographicsWrite,
		credentials.ScopeDemographicsRead, credentials.ScopeDemographicsDelete)

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/demographics", write, `{"first_name":"Ada"}`))
	id := created["id"].(string)

	rr := f.do(t, http.MethodGet, "/v1/demographics/"+id, write, "")
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]interface{})
	assert.Equal(t, "acme", data["tenant"])

	rr = f.do(t, http.MethodGet, "/v1/demographics?limit=10", write, "")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decodeBody(t, rr)
	assert.Equal(t, float64(1), page["pagination"].(map[string]interface{})["total"])

	rr = f.do(t, http.MethodPut, "/v1/demographics/"+id, write, `{"last_name":"Lovelace"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rec, err := f.db.GetRecord(context.Background(), "acme", id)
	require.NoError(t, err)
	assert.Contains(t, string(rec.Payload), "Lovelace")
	assert.Contains(t, string(rec.Payload), "Ada")

	rr = f.do(t, http.MethodDelete, "/v1/demographics/"+id, write, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decodeBody(t, rr)["deleted_at"])
}

func TestTenantIsolationOnGet(t *testing.T) {
	f := newFixture(t)
	alpha := f.key(t, "alpha", credentials.ScopeDemographicsWrite, credentials.ScopeDemographicsRead)
	beta := f.key(t, "beta", credentials.ScopeDemographicsRead)

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/demographics", alpha, `{"first_name":"Ada"}`))
	id := created["id"].(string)

	rr := f.do(t, http.MethodGet, "/v1/demographics/"+id, beta, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "NOT_FOUND")
}

func TestIssueUploadURL(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeFilesUpload, credentials.ScopeDemographicsRead)

	rr := f.do(t, http.MethodPost, "/v1/documents/upload-url", key,
		`{"fileName":"Claim Form.pdf","contentType":"application/pdf"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.NotEmpty(t, body["uploadUrl"])
	assert.Contains(t, body["blobName"], "acme/")
	assert.Equal(t, "memory", body["storage"])

	rr = f.do(t, http.MethodGet, "/v1/documents/"+body["correlationId"].(string)+"/status", key, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, database.UploadPending, decodeBody(t, rr)["status"])
}

func TestIssueBatchUploadURLs(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeFilesUpload)

	rr := f.do(t, http.MethodPost, "/v1/documents/batch-upload-urls", key,
		`{"documents":[{"fileName":"a.pdf","contentType":"application/pdf"},{"fileName":"b.png","contentType":"image/png"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	results := decodeBody(t, rr)["results"].([]interface{})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.NotEmpty(t, res.(map[string]interface{})["uploadUrl"])
	}
}

func TestCreateAPIKeyAdminOnly(t *testing.T) {
	f := newFixture(t)
	admin := f.key(t, "acme", credentials.ScopeDemographicsAdmin)
	plain := f.key(t, "acme", credentials.ScopeDemographicsWrite)

	rr := f.do(t, http.MethodPost, "/v1/admin/api-keys", plain,
		`{"name":"ingest","scopes":["demographics:write"]}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/admin/api-keys", admin,
		`{"name":"ingest","scopes":["demographics:write"],"expires_in_days":30}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	plaintext := body["key"].(string)
	assert.True(t, strings.HasPrefix(plaintext, "ms_"))

	// The issued key authenticates immediately and is bound to the
	// issuer's tenant.
	rr = f.do(t, http.MethodPost, "/v1/demographics", plaintext, `{"first_name":"Ada"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/admin/api-keys", admin,
		`{"name":"bad","scopes":["not:a:scope"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthIsAnonymous(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/health", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "components")
}

func TestQueuesRequiresReadScope(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/queues", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	key := f.key(t, "acme", credentials.ScopeDemographicsRead)
	rr = f.do(t, http.MethodGet, "/v1/queues", key, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), queue.TopicDemographics)
}

func TestOversizePayloadRejected(t *testing.T) {
	f := newFixture(t)
	key := f.key(t, "acme", credentials.ScopeDemographicsWrite)

	big := `{"blob":"` + strings.Repeat("x", 260_000) + `"}`
	rr := f.do(t, http.MethodPost, "/v1/demographics", key, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}
