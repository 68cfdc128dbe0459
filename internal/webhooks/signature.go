package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the outbound webhook payload. The signature covers the
// canonical JSON of the envelope without the signature field.
type Envelope struct {
	Event         string                 `json:"event"`
	Data          map[string]interface{} `json:"data"`
	Timestamp     string                 `json:"timestamp"` // ISO-8601 UTC
	CorrelationID string                 `json:"correlation_id"`
	Tenant        string                 `json:"tenant"`
	Signature     string                 `json:"signature,omitempty"`
}

// NewEnvelope builds an unsigned envelope stamped with the current time.
func NewEnvelope(event, tenant, correlationID string, data map[string]interface{}) *Envelope {
	return &Envelope{
		Event:         event,
		Data:          data,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: correlationID,
		Tenant:        tenant,
	}
}

// SignPayload computes the hex HMAC-SHA256 of a canonical payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalPayload renders the envelope without its signature as canonical
// JSON: sorted keys, compact whitespace, numeric literals preserved.
func CanonicalPayload(env *Envelope) ([]byte, error) {
	unsigned := *env
	unsigned.Signature = ""
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	return canonicalize(raw)
}

// Sign canonicalizes, signs, and stamps the envelope, returning the final
// serialized body to POST.
func Sign(env *Envelope, secret string) ([]byte, error) {
	canonical, err := CanonicalPayload(env)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	env.Signature = SignPayload(canonical, secret)
	return json.Marshal(env)
}

// Verify recomputes the signature over a received body. Receivers strip the
// signature field, canonicalize what remains, and compare HMACs.
func Verify(body []byte, secret string) (bool, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, err
	}
	presented := env.Signature
	if presented == "" {
		return false, nil
	}
	canonical, err := CanonicalPayload(&env)
	if err != nil {
		return false, err
	}
	expected := SignPayload(canonical, secret)
	return hmac.Equal([]byte(presented), []byte(expected)), nil
}

// canonicalize re-encodes JSON with sorted object keys (encoding/json sorts
// map keys on marshal) and intact numbers.
func canonicalize(raw []byte) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
