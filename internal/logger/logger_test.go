package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		require.NoError(t, Init(nil))
		assert.Equal(t, zerolog.ErrorLevel, GetLogger().GetLevel())
	})

	t.Run("invalid level", func(t *testing.T) {
		err := Init(&Config{Level: "loud", Output: "stderr"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "omniscient.log")
		require.NoError(t, Init(&Config{Level: "debug", Output: path}))
		assert.FileExists(t, path)
		assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())
	})

	t.Cleanup(func() { _ = Init(DefaultConfig()) })
}

func TestComponentFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.DebugLevel)

	log.Capture().WithField("exit_code", 2).Info().Msg("captured")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "capture", entry["component"])
	assert.Equal(t, float64(2), entry["exit_code"])
	assert.Equal(t, "captured", entry["message"])
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.InfoLevel)

	log.Storage().WithError(errors.New("disk full")).Error().Msg("insert failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "disk full", entry["error"])
	assert.Equal(t, "storage", entry["component"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.WarnLevel)

	log.Debug().Msg("hidden")
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNop(t *testing.T) {
	log := Nop()
	assert.NotPanics(t, func() {
		log.Search().Error().Msg("nothing")
	})
}
