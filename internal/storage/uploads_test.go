package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimspipe/backend/internal/database"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"test.pdf":              "test.pdf",
		"My Claim (final).PDF":  "my_claim_final_.pdf",
		"weird///name??.doc":    "weird_name_.doc",
		"already-clean-1.2.txt": "already-clean-1.2.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestBlobPath(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	got := BlobPath("smith___associates", "corr-123", "Claim Form.pdf", now)
	assert.Equal(t, "smith___associates/2026-08-24/corr-123_claim_form.pdf", got)
}

func TestIssueUpload(t *testing.T) {
	store := NewMemoryObjectStore()
	db := database.NewMemoryStore()
	issuer := NewIssuer(store, db)
	ctx := context.Background()

	issued, err := issuer.IssueUpload(ctx, "Smith & Associates", "test.pdf", "application/pdf", "")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.UploadURL)
	assert.NotEmpty(t, issued.CorrelationID)
	assert.Contains(t, issued.BlobPath, "smith___associates/")
	assert.Contains(t, issued.BlobPath, "_test.pdf")
	assert.Equal(t, "memory", issued.Backend)
	// Capability expires 24 h from issuance.
	assert.WithinDuration(t, time.Now().Add(UploadURLTTL), issued.ExpiresAt, time.Minute)

	desc, err := issuer.Status(ctx, issued.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, database.UploadPending, desc.Status)
	assert.Equal(t, "Smith & Associates", desc.Tenant)
}

func TestValidateUploaded(t *testing.T) {
	store := NewMemoryObjectStore()
	db := database.NewMemoryStore()
	issuer := NewIssuer(store, db)
	ctx := context.Background()

	issued, err := issuer.IssueUpload(ctx, "acme", "doc.pdf", "application/pdf", "")
	require.NoError(t, err)

	// Not uploaded yet.
	v := issuer.ValidateUploaded(ctx, issued.BlobPath, 10)
	assert.ErrorIs(t, v.Err, ErrObjectNotFound)

	// 1 MB blob under a 10 MB ceiling.
	store.Put(UploadsBucket, issued.BlobPath, make([]byte, 1024*1024))
	v = issuer.ValidateUploaded(ctx, issued.BlobPath, 10)
	require.NoError(t, v.Err)
	assert.True(t, v.Valid)
	assert.InDelta(t, 1.0, v.FileSizeMB, 0.01)

	// 3 MB blob over a 2 MB ceiling: distinguished too-large error.
	store.Put(UploadsBucket, issued.BlobPath, make([]byte, 3*1024*1024))
	v = issuer.ValidateUploaded(ctx, issued.BlobPath, 2)
	assert.ErrorIs(t, v.Err, ErrTooLarge)
	assert.False(t, v.Valid)
	assert.InDelta(t, 3.0, v.FileSizeMB, 0.01)
}

func TestSetStatus(t *testing.T) {
	store := NewMemoryObjectStore()
	db := database.NewMemoryStore()
	issuer := NewIssuer(store, db)
	ctx := context.Background()

	issued, err := issuer.IssueUpload(ctx, "acme", "doc.pdf", "application/pdf", "")
	require.NoError(t, err)

	require.NoError(t, issuer.SetStatus(ctx, issued.CorrelationID, database.UploadUploaded, 12345, ""))
	desc, err := issuer.Status(ctx, issued.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, database.UploadUploaded, desc.Status)
	assert.EqualValues(t, 12345, desc.FileSize)

	byPath, err := issuer.DescriptorForPath(ctx, issued.BlobPath)
	require.NoError(t, err)
	assert.Equal(t, issued.CorrelationID, byPath.CorrelationID)
}
