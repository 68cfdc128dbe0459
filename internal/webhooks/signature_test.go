package webhooks

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	env := NewEnvelope(EventProcessed, "acme", "corr-1", map[string]interface{}{
		"submission_id":    "sub-1",
		"settlement_total": 1234.5678,
	})
	body, err := Sign(env, "topsecret")
	require.NoError(t, err)
	assert.NotEmpty(t, env.Signature)

	ok, err := Verify(body, "topsecret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(body, "wrongsecret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	env := NewEnvelope(EventCreated, "acme", "corr-2", map[string]interface{}{"amount": "100.00"})
	body, err := Sign(env, "topsecret")
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	m["tenant"] = "mallory"
	tampered, err := json.Marshal(m)
	require.NoError(t, err)

	ok, err := Verify(tampered, "topsecret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanonicalPayloadKeyOrderAndNumbers(t *testing.T) {
	env := &Envelope{
		Event:         EventProcessed,
		Timestamp:     "2026-08-24T10:00:00Z",
		CorrelationID: "corr-3",
		Tenant:        "acme",
		Data: map[string]interface{}{
			"zeta":  json.Number("10.50"),
			"alpha": json.Number("3"),
		},
	}
	a, err := CanonicalPayload(env)
	require.NoError(t, err)

	// Signature on the input must not change the canonical form.
	env.Signature = "deadbeef"
	b, err := CanonicalPayload(env)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Sorted keys, compact, decimal literals intact.
	assert.Contains(t, string(a), `"data":{"alpha":3,"zeta":10.50}`)
	assert.Less(t, bytes.Index(a, []byte(`"correlation_id"`)), bytes.Index(a, []byte(`"event"`)))
	assert.Less(t, bytes.Index(a, []byte(`"event"`)), bytes.Index(a, []byte(`"tenant"`)))
}

func TestTenantEnvKey(t *testing.T) {
	cases := map[string]string{
		"acme":               "ACME",
		"Smith & Associates": "SMITH_ASSOCIATES",
		"firm-42":            "FIRM_42",
	}
	for in, want := range cases {
		assert.Equal(t, want, TenantEnvKey(in), "input %q", in)
	}
}

func TestTargetResolver(t *testing.T) {
	r := NewTargetResolver("https://fallback.example/hook", map[string]string{
		"ACME": "https://acme.example/hook",
	})
	assert.Equal(t, "https://acme.example/hook", r.Resolve("Acme"))
	assert.Equal(t, "https://fallback.example/hook", r.Resolve("other"))

	r.SetOverride("other", "https://other.example/hook")
	assert.Equal(t, "https://other.example/hook", r.Resolve("other"))
}
