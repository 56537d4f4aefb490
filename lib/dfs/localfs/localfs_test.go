package localfs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLocalHandleReturnsResolvedPath(t *testing.T) {
	root := t.TempDir()
	fs, err := New(root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "images"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "images", "disk1"), []byte("data"), 0644))

	handle, err := fs.GetLocalHandle("images/disk1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "images", "disk1"), handle)
}

func TestGetLocalHandleMissingFileErrors(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = fs.GetLocalHandle("images/missing")
	assert.Error(t, err)
}

func TestResolveRefusesToEscapeRoot(t *testing.T) {
	root := t.TempDir()
	fs, err := New(root)
	require.NoError(t, err)

	full, err := fs.resolve("../../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, root), "escaping path must be confined back under root, got %s", full)
}

func TestOpenReadWrite(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	w, err := fs.Open("suspend/vm1.dat", "w")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := fs.Open("suspend/vm1.dat", "r")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestOpenUnsupportedModeErrors(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Open("x", "a")
	assert.Error(t, err)
}

func TestCopyToAndCopyFromRoundTrip(t *testing.T) {
	local := t.TempDir()
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	srcPath := filepath.Join(local, "mem.img")
	require.NoError(t, os.WriteFile(srcPath, []byte("memory contents"), 0644))

	require.NoError(t, fs.CopyTo(srcPath, "suspend/vm1/mem.img"))

	dstPath := filepath.Join(local, "restored.img")
	require.NoError(t, fs.CopyFrom("suspend/vm1/mem.img", dstPath))

	data, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, "memory contents", string(data))
}
