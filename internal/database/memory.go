package database

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used in development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record           // id -> record
	keys     map[string]*APIKey           // key_id -> key
	attempts []*DeliveryAttempt           // append-only
	uploads  map[string]*UploadDescriptor // correlation_id -> descriptor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		keys:    make(map[string]*APIKey),
		uploads: make(map[string]*UploadDescriptor),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateRecord(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, tenant, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok || r.Tenant != tenant || r.Status == RecordDeleted {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, tenant string, opts ListOptions) ([]*Record, int, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 100
	}
	status := opts.Status
	if status == "" {
		status = RecordActive
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Record
	for _, r := range s.records {
		if r.Tenant != tenant || r.Status != status {
			continue
		}
		if opts.Search != "" && !strings.Contains(strings.ToLower(string(r.Payload)), strings.ToLower(opts.Search)) {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if opts.Offset >= total {
		return nil, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return all[opts.Offset:end], total, nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, tenant, id string, partial json.RawMessage) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Tenant != tenant || r.Status == RecordDeleted {
		return nil, ErrNotFound
	}
	merged, err := MergePayloads(r.Payload, partial)
	if err != nil {
		return nil, err
	}
	r.Payload = merged
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SoftDeleteRecord(ctx context.Context, tenant, id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Tenant != tenant || r.Status == RecordDeleted {
		return time.Time{}, ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = RecordDeleted
	r.DeletedAt = &now
	r.UpdatedAt = now
	return now, nil
}

func (s *MemoryStore) UpsertRecord(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[r.ID]; ok {
		existing.Payload = r.Payload
		existing.ProcessingState = r.ProcessingState
		existing.UpdatedAt = time.Now().UTC()
		return nil
	}
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *MemoryStore) SetProcessingState(ctx context.Context, id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.ProcessingState = state
		r.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.KeyID] = &cp
	return nil
}

func (s *MemoryStore) RecordKeyUsage(ctx context.Context, keyID, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok {
		now := time.Now().UTC()
		k.UseCount++
		k.LastUsedAt = &now
		k.LastUsedIP = ip
	}
	return nil
}

func (s *MemoryStore) AppendAttempt(ctx context.Context, a *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts = append(s.attempts, &cp)
	return nil
}

func (s *MemoryStore) ListAttempts(ctx context.Context, tenant, submissionID string) ([]*DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range s.attempts {
		if a.Tenant == tenant && a.SubmissionID == submissionID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateUpload(ctx context.Context, u *UploadDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.uploads[u.CorrelationID] = &cp
	return nil
}

func (s *MemoryStore) GetUpload(ctx context.Context, correlationID string) (*UploadDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUploadByPath(ctx context.Context, blobPath string) (*UploadDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.uploads {
		if u.BlobPath == blobPath {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPendingUploads(ctx context.Context, limit int) ([]*UploadDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*UploadDescriptor
	for _, u := range s.uploads {
		if u.Status == UploadPending && u.ExpiresAt.After(now) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateUpload(ctx context.Context, correlationID string, upd UploadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[correlationID]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != nil {
		u.Status = *upd.Status
	}
	if upd.FileSize != nil {
		u.FileSize = *upd.FileSize
	}
	if upd.Error != nil {
		u.Error = *upd.Error
	}
	return nil
}
