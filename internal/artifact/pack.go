package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
)

// packFields is the required top-level field set of a canonical evidence
// pack, in the exact order producers must emit them.
var packFields = []string{
	"task_code", "trace_id", "status",
	"submit_path", "ata_path", "evidence_paths",
	"sha256_map", "ruleset_sha256",
}

var sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

var packStatuses = map[string]bool{"PASS": true, "FAIL": true, "ERROR": true}

// IsPack reports whether the result payload carries every canonical pack
// field and therefore must pass pack validation.
func IsPack(result map[string]interface{}) bool {
	for _, f := range packFields {
		if _, ok := result[f]; !ok {
			return false
		}
	}
	return true
}

// ValidatePack validates a canonical evidence pack against the fixed field
// order, types and formats. raw is the original JSON encoding of the result
// object; field order is only observable there.
func ValidatePack(raw []byte) error {
	order, err := topLevelKeys(raw)
	if err != nil {
		return apperrors.ArtifactError(apperrors.ReasonInvalidFieldFormat,
			"result is not a JSON object")
	}

	seen := make(map[string]bool, len(order))
	for _, k := range order {
		seen[k] = true
	}
	for _, f := range packFields {
		if !seen[f] {
			return apperrors.ArtifactError(apperrors.ReasonMissingRequiredField,
				"missing required field: "+f)
		}
	}
	if len(order) != len(packFields) {
		return apperrors.ArtifactError(apperrors.ReasonInvalidFieldOrder,
			"pack carries unexpected extra fields")
	}
	for i, f := range packFields {
		if order[i] != f {
			return apperrors.ArtifactError(apperrors.ReasonInvalidFieldOrder,
				fmt.Sprintf("field %q out of order, expected %q at position %d", order[i], f, i))
		}
	}

	var pack struct {
		TaskCode      string            `json:"task_code"`
		TraceID       string            `json:"trace_id"`
		Status        string            `json:"status"`
		SubmitPath    string            `json:"submit_path"`
		ATAPath       string            `json:"ata_path"`
		EvidencePaths []string          `json:"evidence_paths"`
		SHA256Map     map[string]string `json:"sha256_map"`
		RulesetSHA256 string            `json:"ruleset_sha256"`
	}
	if err := json.Unmarshal(raw, &pack); err != nil {
		return apperrors.ArtifactError(apperrors.ReasonInvalidFieldFormat,
			"pack field has wrong type: "+err.Error())
	}

	if !packStatuses[pack.Status] {
		return apperrors.ArtifactError(apperrors.ReasonInvalidStatus,
			"pack status must be PASS, FAIL or ERROR, got "+pack.Status)
	}
	parsed, err := uuid.Parse(pack.TraceID)
	if err != nil || parsed.Version() != 4 {
		return apperrors.ArtifactError(apperrors.ReasonInvalidUUID,
			"trace_id is not a version-4 UUID")
	}
	if !sha256Pattern.MatchString(pack.RulesetSHA256) {
		return apperrors.ArtifactError(apperrors.ReasonInvalidSHA256,
			"ruleset_sha256 is not a hex SHA-256")
	}
	for path, sum := range pack.SHA256Map {
		if !sha256Pattern.MatchString(sum) {
			return apperrors.ArtifactError(apperrors.ReasonInvalidSHA256,
				"sha256_map entry for "+path+" is not a hex SHA-256")
		}
	}
	return nil
}

// topLevelKeys returns the object's keys in encounter order.
func topLevelKeys(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		keys = append(keys, key)
		if err := skipValue(dec); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// skipValue consumes one JSON value from the decoder.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	if delim == '{' || delim == '[' {
		depth := 1
		for depth > 0 {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); ok {
				switch d {
				case '{', '[':
					depth++
				case '}', ']':
					depth--
				}
			}
		}
	}
	return nil
}
