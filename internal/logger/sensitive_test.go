package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactSensitiveData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"bearer", "Bearer abc.def.ghi", "Bearer [REDACTED]"},
		{"api key", "api_key=supersecret123", "api_key=[REDACTED]"},
		{"session cookie", "session=abcdef123; path=/", "session=[REDACTED]; path=/"},
		{"nothing sensitive", "loaded 12 images", "loaded 12 images"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RedactSensitiveData(tt.input))
		})
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"vault path untouched", "attachments/pic 1.png", "attachments/pic 1.png"},
		{"plain url untouched", "https://example.com/a.png?w=200", "https://example.com/a.png?w=200"},
		{"signed query", "https://cdn.example.com/a.jpg?token=abcdef&w=1", "https://cdn.example.com/a.jpg?token=%5BREDACTED%5D&w=1"},
		{"user info", "https://bob:pw@example.com/a.png", "https://%5BREDACTED%5D@example.com/a.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RedactURL(tt.in))
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, traceLevel, parseLogLevel("TRACE"))
	assert.Equal(t, parseLogLevel("info"), parseLogLevel("bogus"))
	assert.Equal(t, parseLogLevel("warn"), parseLogLevel("warning"))
}
