// Package idempotency binds (tenant, idempotency-key) pairs to captured
// responses so resubmissions within the TTL replay the original response
// byte for byte. Bindings live in Redis under a 24-hour TTL.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the binding lifetime.
const DefaultTTL = 24 * time.Hour

// Lookup outcome.
type Lookup struct {
	Hit      bool
	Conflict bool
	Status   int
	Body     []byte
}

type binding struct {
	Fingerprint string `json:"fingerprint"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	StoredAt    string `json:"stored_at"`
}

// Cache is the Redis-backed idempotency store. A nil client disables the
// cache entirely (every lookup misses), which is only acceptable in
// development mode.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[IDEMPOTENCY] ", log.LstdFlags),
	}
}

func cacheKey(tenant, key string) string {
	return fmt.Sprintf("idem:%s:%s", tenant, key)
}

// Fingerprint digests the canonical JSON form of a request body: keys
// sorted, no insignificant whitespace, numbers preserved verbatim. Clients
// may therefore reorder keys between retries without tripping a conflict.
func Fingerprint(body []byte) (string, error) {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON re-encodes a JSON document with sorted object keys and
// compact whitespace. encoding/json sorts map keys on marshal; json.Number
// keeps numeric literals intact.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return json.Marshal(v)
}

// Check looks up a binding. A stored binding with a different (method, path,
// fingerprint) triple is a conflict; a matching one is a hit carrying the
// captured response.
func (c *Cache) Check(ctx context.Context, tenant, key, method, path string, body []byte) (Lookup, error) {
	if c.rdb == nil {
		return Lookup{}, nil
	}
	raw, err := c.rdb.Get(ctx, cacheKey(tenant, key)).Bytes()
	if err == redis.Nil {
		return Lookup{}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	var b binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Lookup{}, fmt.Errorf("idempotency decode: %w", err)
	}
	fp, err := Fingerprint(body)
	if err != nil {
		return Lookup{}, err
	}
	if b.Method != method || b.Path != path || b.Fingerprint != fp {
		return Lookup{Conflict: true}, nil
	}
	return Lookup{Hit: true, Status: b.Status, Body: b.Body}, nil
}

// Store captures a computed response. It is best-effort: persistence
// failures are logged and never roll back the user-visible success.
func (c *Cache) Store(ctx context.Context, tenant, key, method, path string, body []byte, status int, responseBody []byte) {
	if c.rdb == nil {
		return
	}
	fp, err := Fingerprint(body)
	if err != nil {
		c.logger.Printf("fingerprint failed for tenant %s: %v", tenant, err)
		return
	}
	b := binding{
		Fingerprint: fp,
		Method:      method,
		Path:        path,
		Status:      status,
		Body:        responseBody,
		StoredAt:    time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(b)
	if err != nil {
		c.logger.Printf("encode failed for tenant %s: %v", tenant, err)
		return
	}
	// NX: the first capture wins, so replays stay deterministic.
	if err := c.rdb.SetNX(ctx, cacheKey(tenant, key), raw, c.ttl).Err(); err != nil {
		c.logger.Printf("store failed for tenant %s key %s: %v", tenant, key, err)
	}
}

// Ping probes the backing store.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return fmt.Errorf("idempotency store not configured")
	}
	return c.rdb.Ping(ctx).Err()
}
