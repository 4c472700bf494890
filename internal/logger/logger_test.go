package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsToInfoOnBadLevel(t *testing.T) {
	l, err := New(Config{Level: "bogus", Console: true})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.Logger().GetLevel().String())
}

func TestNew_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nested", "voxd.log")

	l, err := New(Config{Level: "debug", File: logFile})
	require.NoError(t, err)

	zl := l.Logger()
	zl.Info().Str("component", "test").Msg("hello from test")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hello from test"))
	assert.True(t, strings.Contains(string(data), `"component":"test"`))
}

func TestNew_NoOutputsFallsBackToStdout(t *testing.T) {
	l, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "warn", l.Logger().GetLevel().String())
}
