package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/claimspipe/backend/internal/credentials"
)

// APIKeyHeader carries the credential on every authenticated request.
const APIKeyHeader = "X-API-Key"

// Authenticator resolves X-API-Key headers against the credential store.
type Authenticator struct {
	store  *credentials.Store
	logger *log.Logger
}

func NewAuthenticator(store *credentials.Store) *Authenticator {
	return &Authenticator{
		store:  store,
		logger: log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

// Require authenticates the request and checks the listed scopes, placing
// the resolved TenantContext on the request context on success.
func (a *Authenticator) Require(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(APIKeyHeader)
			if token == "" {
				WriteError(w, r, http.StatusUnauthorized, CodeMissingAPIKey, "missing X-API-Key header")
				return
			}

			tc, reason := a.store.Resolve(r.Context(), token, clientIP(r), scopes)
			if tc == nil {
				a.logger.Printf("rejected key (%s) correlation=%s", reason, CorrelationID(r.Context()))
				status, code, msg := authFailure(reason)
				WriteError(w, r, status, code, msg)
				return
			}
			next.ServeHTTP(w, withTenant(r, tc))
		})
	}
}

// authFailure maps a resolution failure to an HTTP status and envelope
// code. Credential problems all collapse into INVALID_API_KEY so callers
// cannot probe which stage rejected them.
func authFailure(reason credentials.FailureReason) (int, string, string) {
	switch reason {
	case credentials.FailIPNotAllowed:
		return http.StatusForbidden, CodeInvalidAPIKey, "source address not allowed"
	case credentials.FailInsufficientScope:
		return http.StatusForbidden, CodeInvalidAPIKey, "insufficient scope"
	default:
		return http.StatusUnauthorized, CodeInvalidAPIKey, "invalid API key"
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
