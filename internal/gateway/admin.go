package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/claimspipe/backend/internal/credentials"
	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/middleware"
)

type createKeyRequest struct {
	Name          string                     `json:"name" validate:"required,max=100"`
	Scopes        []string                   `json:"scopes" validate:"required,min=1"`
	RateLimits    *database.RateLimitProfile `json:"rate_limits"`
	ExpiresInDays int                        `json:"expires_in_days" validate:"omitempty,min=1,max=3650"`
	AllowedIPs    []string                   `json:"allowed_ips" validate:"omitempty,dive,ip"`
}

// createAPIKey issues a credential scoped to the caller's own tenant. The
// plaintext key appears in this response and nowhere else.
func (g *Gateway) createAPIKey(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFrom(r.Context())

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeValidationError, "invalid JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeValidationError(w, r, structErrors(err))
		return
	}
	for _, s := range req.Scopes {
		if !knownScope(s) {
			writeValidationError(w, r, []FieldError{{Field: "scopes", Message: "unknown scope " + s}})
			return
		}
	}

	limits := database.DefaultRateLimits
	if req.RateLimits != nil {
		limits = *req.RateLimits
	}
	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		t := g.now().UTC().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	}

	key, plaintext, err := g.creds.Issue(r.Context(), tc.Tenant, req.Name, req.Scopes, limits, req.AllowedIPs, expiresAt)
	if err != nil {
		g.internalError(w, r, "issue api key", err)
		return
	}
	g.logger.Printf("issued key %s for %q (%s)", key.KeyID, tc.Tenant, middleware.CorrelationID(r.Context()))

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"apiKey": key,
		"key":    plaintext,
	})
}

func knownScope(s string) bool {
	for _, known := range credentials.AllScopes {
		if s == known {
			return true
		}
	}
	return false
}
