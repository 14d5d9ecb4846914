package logging

import (
	"bytes"
	"encoding/json"
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
		{in: "", want: zerolog.InfoLevel},
		{in: "debug", want: zerolog.DebugLevel},
		{in: " WARN ", want: zerolog.WarnLevel},
		{in: "error", want: zerolog.ErrorLevel},
		{in: "nonsense", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Format: FormatJSON, Writer: &buf})

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "test").Msg("visible")

	var event map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, "visible", event["message"])
	assert.Equal(t, "test", event["component"])
	assert.Contains(t, event, "time")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Writer: &buf})

	logger.Info().Msg("hello console")
	assert.Contains(t, buf.String(), "hello console")
}
