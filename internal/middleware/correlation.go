package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// Correlation assigns every request a correlation ID. A client-supplied
// X-Correlation-ID is honored; otherwise a fresh UUID is minted. The header
// is always echoed on the response so callers can stitch logs together.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, withCorrelation(r, id))
	})
}
