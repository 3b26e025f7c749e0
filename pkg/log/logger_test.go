package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{LogLevel: zerolog.InfoLevel, Type: JSONLogger, Output: &buf})
	t.Cleanup(func() { Init(Options{LogLevel: zerolog.Disabled, Output: &bytes.Buffer{}}) })

	Store.Debug().Msg("hidden")
	Store.Info().Str("key", "v").Msg("opened")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "store", entry["component"])
	assert.Equal(t, "opened", entry["message"])
	assert.Equal(t, "v", entry["key"])
}

func TestInitConsole(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{LogLevel: zerolog.DebugLevel, Type: ConsoleLogger, Output: &buf})
	t.Cleanup(func() { Init(Options{LogLevel: zerolog.Disabled, Output: &bytes.Buffer{}}) })

	Executor.Debug().Msg("commit")
	assert.Contains(t, buf.String(), `message: "commit" |`)
	assert.Contains(t, buf.String(), `"component": "executor" |`)
}

func TestParseLoggerType(t *testing.T) {
	typ, err := ParseLoggerType("JSON")
	require.NoError(t, err)
	assert.Equal(t, JSONLogger, typ)

	typ, err = ParseLoggerType("console")
	require.NoError(t, err)
	assert.Equal(t, ConsoleLogger, typ)

	_, err = ParseLoggerType("xml")
	assert.Error(t, err)
}
