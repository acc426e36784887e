package main

import (
	"testing"

	"github.com/deepnoodle-ai/wonton/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "0s"},
		{-5, "0s"},
		{45, "45s"},
		{300, "5m"},
		{330, "5m 30s"},
		{3600, "1h"},
		{7500, "2h 5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.seconds))
	}
}

func TestFormatStarted(t *testing.T) {
	// Unparseable stamps pass through untouched.
	assert.Equal(t, "not-a-time", formatStarted("not-a-time"))

	got := formatStarted("2025-06-01T12:00:00.000Z")
	assert.Len(t, got, len("2025-06-01 12:00"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcd1234", shortID("abcd1234-5678-90ab"))
	assert.Equal(t, "tiny", shortID("tiny"))
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "0 records", plural(0, "record"))
	assert.Equal(t, "1 record", plural(1, "record"))
	assert.Equal(t, "3 sessions", plural(3, "session"))
}

func TestSortedKeys(t *testing.T) {
	keys := sortedKeys(map[string]int{"go": 2, "bash": 1, "python": 4})
	assert.Equal(t, []string{"bash", "go", "python"}, keys)
}
