package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init("loud", "text")
	assert.Error(t, err)
}

func TestJSONFormatWithFields(t *testing.T) {
	require.NoError(t, Init("debug", "json"))

	var buf bytes.Buffer
	SetOutput(&buf)

	WithFields(Fields{"session_id": "s1", "entry_id": "e1"}).Info("entry resolved")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "entry resolved", line["msg"])
	assert.Equal(t, "s1", line["session_id"])
	assert.Equal(t, "e1", line["entry_id"])
}

func TestLevelFiltersDebug(t *testing.T) {
	require.NoError(t, Init("warn", "text"))

	var buf bytes.Buffer
	SetOutput(&buf)

	Debugf("hidden %d", 1)
	Infof("hidden %d", 2)
	Warnf("shown %d", 3)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 3")
}
