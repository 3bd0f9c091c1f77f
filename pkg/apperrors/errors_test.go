package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"queue_unavailable", "QUEUE_UNAVAILABLE"},
		{"render failed: html", "RENDER_FAILED_HTML"},
		{"  ", "UNKNOWN"},
		{"__x__", "X"},
		{strings.Repeat("A", 100), strings.Repeat("A", MaxCodeLength)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeCode(tt.in)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), MaxCodeLength)
		})
	}
}

func TestTruncateMessage(t *testing.T) {
	short := "storage unreachable"
	assert.Equal(t, short, TruncateMessage(short))

	long := strings.Repeat("é", 400) // 800 bytes
	got := TruncateMessage(long)
	assert.LessOrEqual(t, len(got), MaxMessageLength)
	assert.True(t, strings.HasPrefix(long, got))
	assert.Equal(t, 0, len(got)%2, "must not split a two-byte rune")
}

func TestCoded_MatchesKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("enqueue: %w", Transient("queue_unavailable", "queue down", cause))

	assert.True(t, errors.Is(err, ErrTransient))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "QUEUE_UNAVAILABLE", CodeOf(err, "other"))

	var coded *Coded
	assert.True(t, errors.As(err, &coded))
	assert.True(t, coded.IsRetryable())
}

func TestCodeOf_Fallback(t *testing.T) {
	assert.Equal(t, "GENERATION_FAILED", CodeOf(errors.New("boom"), "generation failed"))
}
