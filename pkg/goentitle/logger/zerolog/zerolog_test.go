package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

func TestZerologLogger_NilLoggerIsSilent(t *testing.T) {
	logger := NewLogger(nil)
	require.NotNil(t, logger)
	logger.Error("dropped")
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", goentitle.Field{Key: "event_id", Value: "evt_1"}) }},
		{"info", func(l *Logger) { l.Info("msg", goentitle.Field{Key: "event_id", Value: "evt_1"}) }},
		{"warn", func(l *Logger) { l.Warn("msg", goentitle.Field{Key: "event_id", Value: "evt_1"}) }},
		{"error", func(l *Logger) { l.Error("msg", goentitle.Field{Key: "event_id", Value: "evt_1"}) }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var output bytes.Buffer
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			var line map[string]interface{}
			require.NoError(t, json.Unmarshal(output.Bytes(), &line))
			assert.Equal(t, tt.level, line["level"])
			assert.Equal(t, "evt_1", line["event_id"])
			assert.Equal(t, "msg", line["message"])
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	var output bytes.Buffer
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, output.Len())

	logger.Warn("warn message")
	logger.Error("error message")
	assert.NotZero(t, output.Len())
}

func TestZerologLogger_FieldTypes(t *testing.T) {
	var output bytes.Buffer
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	logger.Info("reconciled",
		goentitle.Field{Key: "account_id", Value: "u42"},
		goentitle.Field{Key: "amount", Value: 3999},
		goentitle.Field{Key: "cause", Value: errors.New("boom")},
		goentitle.Field{Key: "duplicate", Value: true},
	)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &line))
	assert.Equal(t, "u42", line["account_id"])
	assert.Equal(t, float64(3999), line["amount"])
	assert.Equal(t, "boom", line["cause"])
	assert.Equal(t, true, line["duplicate"])
}
