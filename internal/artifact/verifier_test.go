package artifact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
)

const testSecret = "test-secret-key"

func signedResult(t *testing.T, v *Verifier, signedAt time.Time) map[string]interface{} {
	t.Helper()
	payload := map[string]interface{}{
		"pointers": []interface{}{
			map[string]interface{}{"path": "s3://bucket/evidence.log", "sha256": "abc"},
		},
		"status": "PASS",
	}
	sig, err := v.Sign(payload)
	require.NoError(t, err)

	result := make(map[string]interface{}, len(payload)+3)
	for k, val := range payload {
		result[k] = val
	}
	result["signature"] = sig
	result["signed_at"] = signedAt.Format(time.RFC3339)
	result["signing_algorithm"] = "HMAC-SHA256"
	return result
}

func TestVerifyValidSignature(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now().UTC()

	result := signedResult(t, v, now)
	require.NoError(t, v.Verify(result, now))
}

func TestVerifyMissingSignatureFields(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now().UTC()

	result := signedResult(t, v, now)
	delete(result, "signed_at")

	err := v.Verify(result, now)
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonSignatureMissing, apperrors.GetReasonCode(err))
}

func TestVerifyWrongAlgorithm(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now().UTC()

	result := signedResult(t, v, now)
	result["signing_algorithm"] = "HMAC-SHA1"

	err := v.Verify(result, now)
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonSignatureAlgorithm, apperrors.GetReasonCode(err))
}

func TestVerifyExpiredSignature(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now().UTC()

	result := signedResult(t, v, now.Add(-10*time.Minute))
	err := v.Verify(result, now)
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonSignatureExpired, apperrors.GetReasonCode(err))
}

func TestVerifyCustomMaxAge(t *testing.T) {
	v := NewVerifierWithMaxAge(testSecret, time.Hour)
	now := time.Now().UTC()

	result := signedResult(t, v, now.Add(-10*time.Minute))
	require.NoError(t, v.Verify(result, now))
}

func TestVerifyTamperedPayload(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now().UTC()

	result := signedResult(t, v, now)
	result["status"] = "FAIL"

	err := v.Verify(result, now)
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonSignatureInvalid, apperrors.GetReasonCode(err))
}

func TestVerifyWrongSecret(t *testing.T) {
	signer := NewVerifier(testSecret)
	now := time.Now().UTC()
	result := signedResult(t, signer, now)

	other := NewVerifier("different-secret")
	err := other.Verify(result, now)
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonSignatureInvalid, apperrors.GetReasonCode(err))
}

func TestVerifyMalformedSignedAt(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now().UTC()

	result := signedResult(t, v, now)
	result["signed_at"] = "yesterday"

	err := v.Verify(result, now)
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonSignatureInvalid, apperrors.GetReasonCode(err))
}

func TestHasPointers(t *testing.T) {
	assert.True(t, HasPointers(map[string]interface{}{"pointers": []interface{}{}}))
	assert.False(t, HasPointers(map[string]interface{}{"status": "PASS"}))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]interface{}{
		"zeta":  1,
		"alpha": map[string]interface{}{"b": 2, "a": 1},
		"list":  []interface{}{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":1,"b":2},"list":["x","y"],"zeta":1}`, string(got))
}

func TestCanonicalJSONDoesNotEscapeHTML(t *testing.T) {
	got, err := CanonicalJSON(map[string]interface{}{"url": "https://example.com/a?b=1&c=<d>"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"https://example.com/a?b=1&c=<d>"}`, string(got))
}

func TestSignIsDeterministic(t *testing.T) {
	v := NewVerifier(testSecret)
	payload := map[string]interface{}{"b": 2, "a": 1}

	first, err := v.Sign(payload)
	require.NoError(t, err)
	second, err := v.Sign(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
