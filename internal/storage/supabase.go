package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"
)

// SupabaseStore backs capability URLs with Supabase Storage signed URLs.
type SupabaseStore struct {
	client *storage_go.Client
}

// NewSupabaseStore connects to a Supabase Storage endpoint.
func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase storage url and service key must be set")
	}
	client := storage_go.NewClient(strings.TrimSuffix(url, "/")+"/storage/v1", serviceKey, nil)
	slog.Info("Supabase storage connected", "url", url)
	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) Name() string { return "supabase" }

func (s *SupabaseStore) EnsureBucket(ctx context.Context, bucket string) error {
	if _, err := s.client.GetBucket(bucket); err == nil {
		return nil
	}
	public := false
	if _, err := s.client.CreateBucket(bucket, storage_go.BucketOptions{Public: public}); err != nil {
		// Racing creators are fine.
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *SupabaseStore) SignedUploadURL(ctx context.Context, bucket, path string) (string, error) {
	resp, err := s.client.CreateSignedUploadUrl(bucket, path)
	if err != nil {
		return "", fmt.Errorf("signed upload url: %w", err)
	}
	return resp.Url, nil
}

func (s *SupabaseStore) SignedDownloadURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	resp, err := s.client.CreateSignedUrl(bucket, path, int(ttl.Seconds()))
	if err != nil {
		return "", fmt.Errorf("signed download url: %w", err)
	}
	return resp.SignedURL, nil
}

// Stat lists the blob's parent prefix and reads the size from the object
// metadata; Supabase has no direct head-object call in this client.
func (s *SupabaseStore) Stat(ctx context.Context, bucket, path string) (int64, error) {
	dir, name := splitPath(path)
	files, err := s.client.ListFiles(bucket, dir, storage_go.FileSearchOptions{
		Limit: 100,
	})
	if err != nil {
		return 0, fmt.Errorf("list files: %w", err)
	}
	for _, f := range files {
		if f.Name != name {
			continue
		}
		if meta, ok := f.Metadata.(map[string]interface{}); ok {
			if size, ok := meta["size"].(float64); ok {
				return int64(size), nil
			}
		}
		return 0, fmt.Errorf("object %s has no size metadata", path)
	}
	return 0, ErrObjectNotFound
}

func splitPath(path string) (dir, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}
