package artifact

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
)

const validPack = `{
	"task_code": "ATA-0042",
	"trace_id": "3f9a1f2e-8f2c-4a7d-9c3b-2f1e0d9c8b7a",
	"status": "PASS",
	"submit_path": "runs/ATA-0042/submit.json",
	"ata_path": "runs/ATA-0042/ata.md",
	"evidence_paths": ["runs/ATA-0042/log.txt"],
	"sha256_map": {"runs/ATA-0042/log.txt": "0f343b0931126a20f133d67c2b018a3b1e0d9c8b7a6f5e4d3c2b1a0918273645"},
	"ruleset_sha256": "aa43b0931126a20f133d67c2b018a3b1e0d9c8b7a6f5e4d3c2b1a09182736450"
}`

func TestValidatePackAccepts(t *testing.T) {
	require.NoError(t, ValidatePack([]byte(validPack)))
}

func TestIsPack(t *testing.T) {
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(validPack), &result))
	assert.True(t, IsPack(result))

	delete(result, "ruleset_sha256")
	assert.False(t, IsPack(result))
}

func TestValidatePackMissingField(t *testing.T) {
	raw := strings.Replace(validPack, `"ruleset_sha256"`, `"other_field"`, 1)
	err := ValidatePack([]byte(raw))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonMissingRequiredField, apperrors.GetReasonCode(err))
}

func TestValidatePackFieldOrder(t *testing.T) {
	// status and trace_id swapped.
	raw := `{
		"task_code": "ATA-0042",
		"status": "PASS",
		"trace_id": "3f9a1f2e-8f2c-4a7d-9c3b-2f1e0d9c8b7a",
		"submit_path": "s",
		"ata_path": "a",
		"evidence_paths": [],
		"sha256_map": {},
		"ruleset_sha256": "aa43b0931126a20f133d67c2b018a3b1e0d9c8b7a6f5e4d3c2b1a09182736450"
	}`
	err := ValidatePack([]byte(raw))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidFieldOrder, apperrors.GetReasonCode(err))
}

func TestValidatePackExtraField(t *testing.T) {
	raw := strings.Replace(validPack, `"ruleset_sha256"`,
		`"extra": true, "ruleset_sha256"`, 1)
	err := ValidatePack([]byte(raw))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidFieldOrder, apperrors.GetReasonCode(err))
}

func TestValidatePackWrongType(t *testing.T) {
	raw := strings.Replace(validPack, `["runs/ATA-0042/log.txt"]`, `"not-a-list"`, 1)
	err := ValidatePack([]byte(raw))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidFieldFormat, apperrors.GetReasonCode(err))
}

func TestValidatePackStatus(t *testing.T) {
	raw := strings.Replace(validPack, `"PASS"`, `"OK"`, 1)
	err := ValidatePack([]byte(raw))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidStatus, apperrors.GetReasonCode(err))

	for _, status := range []string{"PASS", "FAIL", "ERROR"} {
		ok := strings.Replace(validPack, `"PASS"`, `"`+status+`"`, 1)
		assert.NoError(t, ValidatePack([]byte(ok)), status)
	}
}

func TestValidatePackTraceID(t *testing.T) {
	raw := strings.Replace(validPack, "3f9a1f2e-8f2c-4a7d-9c3b-2f1e0d9c8b7a", "not-a-uuid", 1)
	err := ValidatePack([]byte(raw))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidUUID, apperrors.GetReasonCode(err))

	// A valid UUID of the wrong version is also rejected.
	v1UUID := strings.Replace(validPack, "3f9a1f2e-8f2c-4a7d-9c3b-2f1e0d9c8b7a",
		"3f9a1f2e-8f2c-1a7d-9c3b-2f1e0d9c8b7a", 1)
	err = ValidatePack([]byte(v1UUID))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidUUID, apperrors.GetReasonCode(err))
}

func TestValidatePackSHA256(t *testing.T) {
	raw := strings.Replace(validPack,
		"aa43b0931126a20f133d67c2b018a3b1e0d9c8b7a6f5e4d3c2b1a09182736450", "short", 1)
	err := ValidatePack([]byte(raw))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidSHA256, apperrors.GetReasonCode(err))

	badMap := strings.Replace(validPack,
		"0f343b0931126a20f133d67c2b018a3b1e0d9c8b7a6f5e4d3c2b1a0918273645", "zz", 1)
	err = ValidatePack([]byte(badMap))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidSHA256, apperrors.GetReasonCode(err))
}

func TestValidatePackNotAnObject(t *testing.T) {
	err := ValidatePack([]byte(`["not", "an", "object"]`))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidFieldFormat, apperrors.GetReasonCode(err))
}
