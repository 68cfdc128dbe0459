// Package middleware carries the request plumbing shared by every gateway
// route: correlation IDs, credential resolution, per-credential rate
// limiting, and the idempotency replay gate.
package middleware

import (
	"context"
	"net/http"

	"github.com/claimspipe/backend/internal/credentials"
)

type contextKey string

const (
	correlationKey contextKey = "correlation_id"
	tenantKey      contextKey = "tenant_context"
)

// CorrelationHeader is echoed on every response.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationID returns the request correlation ID, or "" outside the
// correlation middleware.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// TenantFrom returns the resolved credential context, or nil on anonymous
// routes.
func TenantFrom(ctx context.Context) *credentials.TenantContext {
	tc, _ := ctx.Value(tenantKey).(*credentials.TenantContext)
	return tc
}

func withCorrelation(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), correlationKey, id))
}

func withTenant(r *http.Request, tc *credentials.TenantContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), tenantKey, tc))
}
