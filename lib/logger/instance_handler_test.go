package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVMLogHandlerWritesTaggedRecordsToPerVMFile(t *testing.T) {
	dir := t.TempDir()
	base := slog.NewTextHandler(os.Stdout, nil)
	h := NewVMLogHandler(base, func(vmId int) string {
		return filepath.Join(dir, "vm.log")
	})
	log := slog.New(h)

	log.InfoContext(context.Background(), "vm started", "vmId", 42, "pid", 42)
	log.InfoContext(context.Background(), "unrelated event")

	h.CloseVMLog(42)

	data, err := os.ReadFile(filepath.Join(dir, "vm.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "vm started")
	assert.Contains(t, string(data), "pid=42")
	assert.NotContains(t, string(data), "unrelated event")
}

func TestVMLogHandlerCloseAllClearsCache(t *testing.T) {
	dir := t.TempDir()
	base := slog.NewTextHandler(os.Stdout, nil)
	h := NewVMLogHandler(base, func(vmId int) string {
		return filepath.Join(dir, "vm.log")
	})
	log := slog.New(h)

	log.InfoContext(context.Background(), "vm started", "vmId", 7)
	h.CloseAll()

	assert.Empty(t, h.state.fileCache)
}
