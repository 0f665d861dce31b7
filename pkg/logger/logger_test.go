package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	log := New(LoggingConfig{})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	_, ok := log.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok, "default formatter should be text")
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	log := New(LoggingConfig{Level: "chatty"})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNamed_AddsComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Level: "debug", Format: "json"}).Named("pool")
	log.SetOutput(&buf)

	log.WithField("deployment", "account").Info("instance discarded")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pool", entry["component"])
	assert.Equal(t, "account", entry["deployment"])
	assert.Equal(t, "instance discarded", entry["msg"])
}

func TestNewNop_Discards(t *testing.T) {
	log := NewNop()
	log.WithError(assert.AnError).Error("ignored")
	assert.Equal(t, "", log.Component())
}
