package webhooks

import (
	"strings"
	"sync"
)

// Event names emitted by the pipeline.
const (
	EventCreated          = "demographics.created"
	EventUpdated          = "demographics.updated"
	EventDeleted          = "demographics.deleted"
	EventProcessed        = "demographics.processed"
	EventBatchCompleted   = "demographics.batch_completed"
	EventFailed           = "demographics.failed"
	EventDocumentUploaded = "document.uploaded"
	EventDocumentInvalid  = "document.validation_failed"
)

// TargetResolver maps a tenant to its webhook endpoint. Per-tenant
// overrides come from WEBHOOK_URL_<TENANT_UPPER_SNAKE> configuration;
// tenants without one fall back to the default URL, which may be empty.
type TargetResolver struct {
	mu         sync.RWMutex
	overrides  map[string]string // upper-snake tenant -> url
	defaultURL string
}

func NewTargetResolver(defaultURL string, overrides map[string]string) *TargetResolver {
	if overrides == nil {
		overrides = make(map[string]string)
	}
	return &TargetResolver{overrides: overrides, defaultURL: defaultURL}
}

// Resolve returns the target URL for a tenant, or "" when none is
// configured (the dispatcher logs and completes such deliveries).
func (r *TargetResolver) Resolve(tenant string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if url, ok := r.overrides[TenantEnvKey(tenant)]; ok && url != "" {
		return url
	}
	return r.defaultURL
}

// SetOverride installs or replaces a per-tenant target (tests and future
// admin surface).
func (r *TargetResolver) SetOverride(tenant, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[TenantEnvKey(tenant)] = url
}

// TenantEnvKey maps a tenant id to its configuration key suffix: upper
// snake case, every non-alphanumeric run collapsed to one underscore.
func TenantEnvKey(tenant string) string {
	var b strings.Builder
	b.Grow(len(tenant))
	prevUnderscore := false
	for _, r := range strings.ToUpper(tenant) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevUnderscore = false
		} else if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return b.String()
}
