package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(rdb, time.Hour), mr
}

func TestCanonicalJSON_SortsKeysAndCompacts(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{ "b": 2,  "a": 1 }`))
	require.NoError(t, err)
	b, err := CanonicalJSON([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalJSON_PreservesNumberPrecision(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"amount": 1234.5678}`))
	require.NoError(t, err)
	assert.Equal(t, `{"amount":1234.5678}`, string(out))
}

func TestFingerprint_KeyOrderInsensitive(t *testing.T) {
	f1, err := Fingerprint([]byte(`{"firstname":"John","lastname":"Doe"}`))
	require.NoError(t, err)
	f2, err := Fingerprint([]byte(`{"lastname":"Doe","firstname":"John"}`))
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	f3, err := Fingerprint([]byte(`{"firstname":"Jane","lastname":"Doe"}`))
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}

func TestCheck_MissThenHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	body := []byte(`{"firstname":"John"}`)

	got, err := c.Check(ctx, "acme", "key-1", "POST", "/v1/demographics", body)
	require.NoError(t, err)
	assert.False(t, got.Hit)
	assert.False(t, got.Conflict)

	c.Store(ctx, "acme", "key-1", "POST", "/v1/demographics", body, 201, []byte(`{"id":"abc"}`))

	got, err = c.Check(ctx, "acme", "key-1", "POST", "/v1/demographics", body)
	require.NoError(t, err)
	assert.True(t, got.Hit)
	assert.Equal(t, 201, got.Status)
	assert.Equal(t, `{"id":"abc"}`, string(got.Body))
}

func TestCheck_ConflictOnDifferentBody(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Store(ctx, "acme", "key-2", "POST", "/v1/demographics", []byte(`{"a":1}`), 201, []byte(`{}`))

	got, err := c.Check(ctx, "acme", "key-2", "POST", "/v1/demographics", []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.True(t, got.Conflict)
	assert.False(t, got.Hit)
}

func TestCheck_ConflictOnDifferentRoute(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	body := []byte(`{"a":1}`)

	c.Store(ctx, "acme", "key-3", "POST", "/v1/demographics", body, 201, []byte(`{}`))

	got, err := c.Check(ctx, "acme", "key-3", "PUT", "/v1/demographics/xyz", body)
	require.NoError(t, err)
	assert.True(t, got.Conflict)
}

func TestCheck_TenantScoped(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	body := []byte(`{"a":1}`)

	c.Store(ctx, "acme", "shared-key", "POST", "/v1/demographics", body, 201, []byte(`{}`))

	// Same key under another tenant: clean miss, no conflict.
	got, err := c.Check(ctx, "other", "shared-key", "POST", "/v1/demographics", body)
	require.NoError(t, err)
	assert.False(t, got.Hit)
	assert.False(t, got.Conflict)
}

func TestStore_FirstCaptureWins(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	body := []byte(`{"a":1}`)

	c.Store(ctx, "acme", "key-4", "POST", "/v1/demographics", body, 201, []byte(`{"id":"first"}`))
	c.Store(ctx, "acme", "key-4", "POST", "/v1/demographics", body, 201, []byte(`{"id":"second"}`))

	got, err := c.Check(ctx, "acme", "key-4", "POST", "/v1/demographics", body)
	require.NoError(t, err)
	require.True(t, got.Hit)
	assert.Equal(t, `{"id":"first"}`, string(got.Body))
}

func TestCheck_ExpiresWithTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	body := []byte(`{"a":1}`)

	c.Store(ctx, "acme", "key-5", "POST", "/v1/demographics", body, 201, []byte(`{}`))
	mr.FastForward(2 * time.Hour)

	got, err := c.Check(ctx, "acme", "key-5", "POST", "/v1/demographics", body)
	require.NoError(t, err)
	assert.False(t, got.Hit)
}
