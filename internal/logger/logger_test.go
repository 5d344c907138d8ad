package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "taskmachine.log")
	log, err := New("debug", file)
	require.NoError(t, err)

	log.Infow("remote connected", "host", "10.0.0.5")
	_ = log.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"remote connected"`)
	require.Contains(t, string(data), `"host":"10.0.0.5"`)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("loud", "")
	require.Error(t, err)
}
