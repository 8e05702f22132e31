package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		want    bool
	}{
		{"exact match", "taskhub.task.created", "taskhub.task.created", true},
		{"exact mismatch", "taskhub.task.created", "taskhub.task.blocked", false},
		{"single wildcard", "taskhub.task.*", "taskhub.task.created", true},
		{"single wildcard one token only", "taskhub.task.*", "taskhub.task.created.extra", false},
		{"single wildcard wrong prefix", "taskhub.dlq.*", "taskhub.task.created", false},
		{"full wildcard", "taskhub.>", "taskhub.task.created", true},
		{"full wildcard deep", "taskhub.>", "taskhub.task.created.extra", true},
		{"full wildcard needs a token", "taskhub.>", "taskhub", false},
		{"full wildcard wrong root", "other.>", "taskhub.task.created", false},
		{"pattern longer than subject", "taskhub.task.created", "taskhub.task", false},
		{"subject longer than pattern", "taskhub.task", "taskhub.task.created", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSubject(tt.pattern, tt.subject))
		})
	}
}
