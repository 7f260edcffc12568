package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"  Debug  ", zerolog.DebugLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, parseLevel(tc.in), "input %q", tc.in)
	}
}

func TestInitSetsGlobalLevel(t *testing.T) {
	t.Cleanup(func() {
		Init(Config{Level: "info", Format: "json"})
	})

	Init(Config{Level: "debug", Format: "json"})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Init(Config{Level: "warn", Format: "console"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestUseConsole(t *testing.T) {
	assert.True(t, useConsole("console"))
	assert.True(t, useConsole("CONSOLE"))
	assert.False(t, useConsole("json"))
}
