package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("m") }, "debug"},
		{"info", func(l *Logger) { l.Info("m") }, "info"},
		{"warn", func(l *Logger) { l.Warn("m") }, "warn"},
		{"error", func(l *Logger) { l.Error("m") }, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf)))
			out := decodeLine(t, &buf)
			assert.Equal(t, tt.level, out["level"])
			assert.Equal(t, "m", out["message"])
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("account activated",
		keymeter.F("customer_id", "cus_1"),
		keymeter.F("version", 3),
		keymeter.F("error", errors.New("boom")),
	)

	out := decodeLine(t, &buf)
	assert.Equal(t, "cus_1", out["customer_id"])
	assert.EqualValues(t, 3, out["version"])
	assert.Equal(t, "boom", out["error"])
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_ImplementsInterface(t *testing.T) {
	var _ keymeter.Logger = NewLogger(zerolog.Nop())
}
