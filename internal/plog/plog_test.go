package plog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN)

	l.Info("should not appear")
	assert.Empty(t, buf.String())

	l.Warn("should appear: %d", 42)
	assert.Contains(t, buf.String(), "[WARN] should appear: 42")
}

func TestLoggerFormatsLevelAndMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DEBUG)

	l.Error("bad thing: %s", "oops")
	line := buf.String()
	assert.True(t, strings.Contains(line, "[ERROR]"))
	assert.True(t, strings.Contains(line, "bad thing: oops"))
}

func TestLevelStringUnknown(t *testing.T) {
	assert.Equal(t, "UNKNOWN", Level(99).String())
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
}

func TestDefaultReturnsSameLogger(t *testing.T) {
	assert.Same(t, Default(), Default())
}
