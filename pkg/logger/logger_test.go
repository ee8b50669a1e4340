package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", File: path}))
	t.Cleanup(func() { _ = Close() })

	Info().Str("k", "v").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)
}

func TestInitBadFile(t *testing.T) {
	err := Init(Config{Level: "info", File: filepath.Join(t.TempDir(), "no", "such", "dir", "x.log")})
	assert.Error(t, err)
}

func TestComponent(t *testing.T) {
	require.NoError(t, Init(Config{Level: "info", Format: "json"}))
	l := Component("runtime")
	// Smoke check that the derived logger is usable.
	l.Info().Msg("component logger ok")
}

func TestGetBeforeInit(t *testing.T) {
	// Get must always return a usable logger.
	assert.NotNil(t, Get())
}
