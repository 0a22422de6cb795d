package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWindowsParsesDocument(t *testing.T) {
	doc := `
windows:
  - duration: 1m
    max_attempts: 5
  - duration: 1h
    max_attempts: 20
`
	windows, err := LoadWindows(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, windows, 2)

	assert.Equal(t, time.Minute, windows[0].Duration)
	assert.Equal(t, 5, windows[0].MaxAttempts)
	assert.Equal(t, time.Hour, windows[1].Duration)
	assert.Equal(t, 20, windows[1].MaxAttempts)
}

func TestLoadWindowsEmptyDocument(t *testing.T) {
	windows, err := LoadWindows(strings.NewReader(`windows: []`))
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestLoadWindowsRejectsBadDuration(t *testing.T) {
	doc := `
windows:
  - duration: not-a-duration
    max_attempts: 5
`
	_, err := LoadWindows(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadWindowsRejectsMalformedYAML(t *testing.T) {
	_, err := LoadWindows(strings.NewReader("windows: [this is not valid"))
	assert.Error(t, err)
}

func TestLoadWindowsFromFileMissing(t *testing.T) {
	_, err := LoadWindowsFromFile("/nonexistent/path/to/windows.yaml")
	assert.Error(t, err)
}
