// Package storage issues time-limited capability URLs against an object
// store so large binaries bypass the API plane, and tracks each upload's
// lifecycle descriptor.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UploadsBucket holds client uploads awaiting validation.
const UploadsBucket = "claim-uploads"

// ErrObjectNotFound is returned by Stat for absent blobs.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectStore is the capability-URL contract the issuer consumes. The
// Supabase adapter implements it in production; MemoryObjectStore stands in
// for development and tests.
type ObjectStore interface {
	// EnsureBucket creates the bucket if absent.
	EnsureBucket(ctx context.Context, bucket string) error
	// SignedUploadURL mints a write-and-create URL bound to an exact path.
	SignedUploadURL(ctx context.Context, bucket, path string) (string, error)
	// SignedDownloadURL mints a read URL with the given lifetime.
	SignedDownloadURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
	// Stat returns the blob size in bytes, or ErrObjectNotFound.
	Stat(ctx context.Context, bucket, path string) (int64, error)
	// Name identifies the backend ("supabase" or "memory"); issue responses
	// carry it so a mock backend is never silent.
	Name() string
}

// SanitizeFilename maps characters outside [A-Za-z0-9.-] to '_', collapses
// runs of '_', and lowercases the result.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevUnderscore := false
	for _, r := range name {
		ok := (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9') || r == '.' || r == '-'
		if ok {
			b.WriteRune(r)
			prevUnderscore = false
		} else if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.ToLower(b.String())
}

// BlobPath computes the deterministic upload path:
// <norm-tenant>/<yyyy-mm-dd>/<correlation_id>_<sanitized-filename>.
func BlobPath(normTenant, correlationID, filename string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s_%s",
		normTenant, now.UTC().Format("2006-01-02"), correlationID, SanitizeFilename(filename))
}
