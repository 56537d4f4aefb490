package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoFileAndTempSiblingDiffer(t *testing.T) {
	p := New("/info", "/tmp")

	assert.Equal(t, filepath.Join("/info", "42"), p.InfoFile(42))
	assert.Equal(t, filepath.Join("/info", ".42.tmp"), p.InfoFileTemp(42))
	assert.NotEqual(t, p.InfoFile(42), p.InfoFileTemp(42))
}

func TestDiagPathsAreKeyedByVmId(t *testing.T) {
	p := New("/info", "/tmp")

	assert.Equal(t, filepath.Join("/tmp", "42.err"), p.DiagStderr(42))
	assert.Equal(t, filepath.Join("/tmp", "42.pty"), p.DiagMonitorHistory(42))
	assert.Equal(t, filepath.Join("/tmp", "42.log"), p.VMLog(42))
}

func TestScratchDirIsUniquePerToken(t *testing.T) {
	p := New("/info", "/tmp")

	assert.NotEqual(t, p.ScratchDir("token-a"), p.ScratchDir("token-b"))
	assert.Equal(t, filepath.Join("/tmp", "vmcore-token-a"), p.ScratchDir("token-a"))
}
