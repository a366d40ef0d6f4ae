package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		ctx           *Context
		wantVersion   string
		wantBuildDate string
	}{
		{"nil context", nil, UnknownValue, UnknownValue},
		{"empty fields", &Context{}, UnknownValue, UnknownValue},
		{"set", &Context{Version: "1.2.0", BuildDate: "2026-10-01"}, "1.2.0", "2026-10-01"},
		{"pre-release", &Context{Version: "1.2.0-beta.1"}, "1.2.0-beta.1", UnknownValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantVersion, tt.ctx.GetVersion())
			assert.Equal(t, tt.wantBuildDate, tt.ctx.GetBuildDate())
		})
	}
}

func TestUptime(t *testing.T) {
	t.Parallel()

	var nilCtx *Context
	assert.Zero(t, nilCtx.Uptime())
	c := NewContext("1.0.0", "")
	assert.Equal(t, "1.0.0", c.GetVersion())
	assert.GreaterOrEqual(t, c.Uptime().Nanoseconds(), int64(0))
}
