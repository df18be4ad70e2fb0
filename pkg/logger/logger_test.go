package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Writer: &buf})

	log.Info().Msg("too quiet")
	log.Warn().Msg("loud enough")

	out := buf.String()
	assert.NotContains(t, out, "too quiet")
	assert.Contains(t, out, "loud enough")
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "shouting", Writer: &buf})

	log.Debug().Msg("filtered")
	log.Info().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "filtered")
	assert.Contains(t, out, "kept")
}

func TestForSessionStampsIdentityFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(Options{Level: "info", Writer: &buf})

	log := ForSession(base, "morning-tape", "backtest")
	log.Info().Msg("hello")

	line := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "morning-tape", line["session"])
	assert.Equal(t, "backtest", line["mode"])
	assert.NotEmpty(t, line["time"])
}
