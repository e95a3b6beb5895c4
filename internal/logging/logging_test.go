package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	log.Debug("hidden", "k", "v")
	assert.Zero(t, buf.Len(), "debug must be filtered at info level")

	log.With("walk", "Exp1").Error("walk failed", "error", errors.New("boom"), "files", 3)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "walk failed", entry["msg"])
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "Exp1", entry["walk"])
	assert.EqualValues(t, 3, entry["files"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "debug", Output: &buf})
	require.NoError(t, err)
	log.Debug("skip file", "path", "a/b.csv", "dangling")
	out := buf.String()
	assert.True(t, strings.Contains(out, "skip file"), out)
	assert.True(t, strings.Contains(out, "path=a/b.csv"), out)
	assert.True(t, strings.Contains(out, "!BADKEY=dangling"), out)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LABPORTAL_LOG_LEVEL", "warn")
	t.Setenv("LABPORTAL_LOG_FORMAT", "json")
	var buf bytes.Buffer
	log, err := FromEnv(&buf)
	require.NoError(t, err)
	log.Info("quiet")
	assert.Zero(t, buf.Len())
	log.Warn("loud")
	assert.Contains(t, buf.String(), `"msg":"loud"`)
}
