package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("debug", "json", &buf)
	defer Setup("info", "text", nil)

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	Component(logger, "registry").Info("Task t1 submitted")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "registry", entry["component"])
	assert.Equal(t, "Task t1 submitted", entry["msg"])
}

func TestSetup_InvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("loud", "text", &buf)
	defer Setup("info", "text", nil)

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), "Invalid log level")
}

func TestComponent_NilLogger(t *testing.T) {
	assert.NotNil(t, Component(nil, "x"))
}
