// Package credentials resolves presented API keys to tenant contexts.
//
// Keys have the format <prefix><key-id>.<secret> (default prefix "ms_").
// The key id is the public lookup handle; only a bcrypt hash of the secret
// is stored, so the plaintext is visible exactly once, at issuance.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/claimspipe/backend/internal/database"
)

// Scopes.
const (
	ScopeDemographicsRead   = "demographics:read"
	ScopeDemographicsWrite  = "demographics:write"
	ScopeDemographicsDelete = "demographics:delete"
	ScopeDemographicsAdmin  = "demographics:admin"
	ScopeWebhooksManage     = "webhooks:manage"
	ScopeFilesUpload        = "files:upload"
)

// AllScopes is the full grantable scope set.
var AllScopes = []string{
	ScopeDemographicsRead, ScopeDemographicsWrite, ScopeDemographicsDelete,
	ScopeDemographicsAdmin, ScopeWebhooksManage, ScopeFilesUpload,
}

// FailureReason classifies authentication failures. Checks run in this
// order and the first failure wins.
type FailureReason string

const (
	FailMalformed         FailureReason = "malformed"
	FailNotFound          FailureReason = "not_found"
	FailHashMismatch      FailureReason = "hash_mismatch"
	FailNotActive         FailureReason = "status_not_active"
	FailExpired           FailureReason = "expired"
	FailIPNotAllowed      FailureReason = "ip_not_allowed"
	FailInsufficientScope FailureReason = "scopes_insufficient"
)

// TenantContext is the value handed to the request pipeline on success. No
// locks are held once it is returned.
type TenantContext struct {
	Tenant     string
	KeyID      string
	Principal  string // key name, for created_by attribution
	Scopes     []string
	RateLimits database.RateLimitProfile
}

// HasScope reports whether the credential carries a scope.
func (tc *TenantContext) HasScope(scope string) bool {
	for _, s := range tc.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Store authenticates presented keys against the credential table.
type Store struct {
	db     database.CredentialStore
	prefix string
	logger *log.Logger
}

func NewStore(db database.CredentialStore, prefix string) *Store {
	if prefix == "" {
		prefix = "ms_"
	}
	return &Store{
		db:     db,
		prefix: prefix,
		logger: log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

// Resolve authenticates a presented token and authorizes the required
// scopes. On success it records usage fire-and-forget: a failure to update
// counters never fails authentication.
func (s *Store) Resolve(ctx context.Context, token, clientIP string, requiredScopes []string) (*TenantContext, FailureReason) {
	keyID, secret, ok := s.splitToken(token)
	if !ok {
		return nil, FailMalformed
	}

	key, err := s.db.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, FailNotFound
	}

	if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
		// Key id matched but the secret hash did not: defense in depth,
		// reported distinctly from not-found.
		return nil, FailHashMismatch
	}
	if key.Status != database.KeyActive {
		return nil, FailNotActive
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, FailExpired
	}
	if len(key.AllowedIPs) > 0 && !ipAllowed(key.AllowedIPs, clientIP) {
		return nil, FailIPNotAllowed
	}
	for _, required := range requiredScopes {
		if !contains(key.Scopes, required) {
			return nil, FailInsufficientScope
		}
	}

	go func() {
		usageCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.db.RecordKeyUsage(usageCtx, key.KeyID, clientIP); err != nil {
			s.logger.Printf("usage tracking failed for %s: %v", key.KeyID, err)
		}
	}()

	return &TenantContext{
		Tenant:     key.TenantID,
		KeyID:      key.KeyID,
		Principal:  key.Name,
		Scopes:     key.Scopes,
		RateLimits: key.RateLimits,
	}, ""
}

func (s *Store) splitToken(token string) (keyID, secret string, ok bool) {
	if !strings.HasPrefix(token, s.prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(token, s.prefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Issue creates a new key for a tenant and returns the record plus the
// plaintext, which is never recoverable afterwards.
func (s *Store) Issue(ctx context.Context, tenant, name string, scopes []string, limits database.RateLimitProfile, allowedIPs []string, expiresAt *time.Time) (*database.APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes)
	plaintext := fmt.Sprintf("%s%s.%s", s.prefix, keyID, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	if limits.Burst == 0 && limits.Minute == 0 && limits.Hour == 0 && limits.Day == 0 {
		limits = database.DefaultRateLimits
	}
	key := &database.APIKey{
		KeyID:      keyID,
		TenantID:   tenant,
		Name:       name,
		SecretHash: string(hash),
		Scopes:     scopes,
		Status:     database.KeyActive,
		RateLimits: limits,
		AllowedIPs: allowedIPs,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	s.logger.Printf("issued key %s for tenant %s (scopes=%v)", keyID, tenant, scopes)
	return key, plaintext, nil
}

func ipAllowed(allowed []string, ip string) bool {
	for _, a := range allowed {
		if a == ip {
			return true
		}
	}
	return false
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ValidScope reports whether a scope name is grantable.
func ValidScope(scope string) bool {
	return contains(AllScopes, scope)
}
