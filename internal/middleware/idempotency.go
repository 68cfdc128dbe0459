package middleware

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/claimspipe/backend/internal/idempotency"
	"github.com/claimspipe/backend/internal/metrics"
)

// IdempotencyHeader names the client-chosen replay key.
const IdempotencyHeader = "X-Idempotency-Key"

// storeTimeout bounds the async response capture.
const storeTimeout = 5 * time.Second

// recorder buffers the response so a first write can be bound to the
// idempotency key after the handler returns.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *recorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(p []byte) (int, error) {
	rec.body.Write(p)
	return rec.ResponseWriter.Write(p)
}

// Idempotency replays cached responses for write requests that present an
// X-Idempotency-Key. Requests without the header, and non-write methods,
// pass straight through. Must run after Require so the tenant is known.
func Idempotency(cache *idempotency.Cache, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[IDEMPOTENCY] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			tc := TenantFrom(r.Context())
			if key == "" || tc == nil || !writeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				WriteError(w, r, http.StatusBadRequest, CodeValidationError, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			lookup, err := cache.Check(r.Context(), tc.Tenant, key, r.Method, r.URL.Path, body)
			if err != nil {
				// The cache is an optimization; a broken cache must not block writes.
				logger.Printf("lookup failed, proceeding uncached: %v", err)
				next.ServeHTTP(w, r)
				return
			}

			switch {
			case lookup.Conflict:
				countLookup(m, "conflict")
				WriteError(w, r, http.StatusConflict, CodeIdempotencyConflict,
					"idempotency key reused with a different request")
				return
			case lookup.Hit:
				countLookup(m, "hit")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(lookup.Status)
				w.Write(lookup.Body)
				return
			}
			countLookup(m, "miss")

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Bind the first response off the request path. Failures are
			// logged inside Store and never surfaced to the client.
			respBody := append([]byte(nil), rec.body.Bytes()...)
			status := rec.status
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
				defer cancel()
				cache.Store(ctx, tc.Tenant, key, r.Method, r.URL.Path, body, status, respBody)
			}()
		})
	}
}

func writeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func countLookup(m *metrics.Metrics, outcome string) {
	if m != nil {
		m.IdempotencyHits.WithLabelValues(outcome).Inc()
	}
}
