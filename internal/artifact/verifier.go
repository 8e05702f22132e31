// Package artifact validates result payloads: HMAC-signed artifact pointers
// and the canonical evidence pack format.
package artifact

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
)

// maxSignatureAge is how long a signed pointer stays valid.
const maxSignatureAge = 5 * time.Minute

const signingAlgorithm = "HMAC-SHA256"

// Verifier checks HMAC signatures over artifact pointer payloads.
type Verifier struct {
	secret []byte
	maxAge time.Duration
}

// NewVerifier creates a verifier with the process-wide secret key.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), maxAge: maxSignatureAge}
}

// NewVerifierWithMaxAge creates a verifier with a custom signature
// freshness window.
func NewVerifierWithMaxAge(secret string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = maxSignatureAge
	}
	return &Verifier{secret: []byte(secret), maxAge: maxAge}
}

// HasPointers reports whether the result payload carries a pointers field
// and therefore requires signature verification.
func HasPointers(result map[string]interface{}) bool {
	_, ok := result["pointers"]
	return ok
}

// Verify checks the signature over a result payload carrying pointers.
// The three signature fields are stripped, the remainder serialized to
// canonical JSON and HMAC-SHA256'd with the secret key.
func (v *Verifier) Verify(result map[string]interface{}, now time.Time) error {
	signature, _ := result["signature"].(string)
	signedAt, _ := result["signed_at"].(string)
	algorithm, _ := result["signing_algorithm"].(string)

	if signature == "" || signedAt == "" || algorithm == "" {
		return apperrors.ArtifactError(apperrors.ReasonSignatureMissing,
			"signed pointer requires signature, signed_at and signing_algorithm")
	}
	if algorithm != signingAlgorithm {
		return apperrors.ArtifactError(apperrors.ReasonSignatureAlgorithm,
			"unsupported signing algorithm: "+algorithm)
	}

	ts, err := time.Parse(time.RFC3339, signedAt)
	if err != nil {
		return apperrors.ArtifactError(apperrors.ReasonSignatureInvalid,
			"signed_at is not a valid RFC 3339 timestamp")
	}
	if now.Sub(ts) > v.maxAge {
		return apperrors.ArtifactError(apperrors.ReasonSignatureExpired,
			fmt.Sprintf("signature older than %s", v.maxAge))
	}

	payload := make(map[string]interface{}, len(result))
	for k, val := range result {
		switch k {
		case "signature", "signed_at", "signing_algorithm":
			continue
		}
		payload[k] = val
	}

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return apperrors.ArtifactError(apperrors.ReasonSignatureInvalid,
			"payload cannot be canonicalized")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return apperrors.ArtifactError(apperrors.ReasonSignatureInvalid,
			"signature mismatch")
	}
	return nil
}

// Sign produces the hex HMAC-SHA256 signature over the canonical form of
// payload. Used by tests and by trusted in-process producers.
func (v *Verifier) Sign(payload map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CanonicalJSON serializes a value with lexicographically sorted object
// keys, no insignificant whitespace and no HTML escaping.
func CanonicalJSON(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return writeScalar(buf, value)
	}
}

func writeScalar(buf *bytes.Buffer, value interface{}) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return err
	}
	// Encode appends a newline; canonical output has none.
	buf.Truncate(buf.Len() - 1)
	return nil
}
