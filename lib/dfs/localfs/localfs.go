// Package localfs is a reference DFS adapter (vmcontrol.DFS) backed by a
// single local directory tree, grounded on the storage-directory layout
// pattern of the teacher repo's lib/volumes/storage.go. It is suitable for
// tests and single-host deployments; a real cluster DFS (Ceph, GlusterFS,
// NFS) is out of this core's scope (spec.md Non-goals).
package localfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// Filesystem structure, rooted at root:
//
//	images/{scrubbed-disk-uri}   # VM disk images, read-only from this core's view
//	{target}, {target}.info     # suspend/resume blobs, written by this core

// LocalFS implements vmcontrol.DFS against a local directory tree.
type LocalFS struct {
	root string
}

var _ vmcontrol.DFS = (*LocalFS)(nil)

// New returns a LocalFS rooted at root, creating it if absent.
func New(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create dfs root %s: %w", root, err)
	}
	return &LocalFS{root: root}, nil
}

// resolve joins path onto root, confining the result under root: "..",
// symlinks and absolute paths are resolved as if root were "/", so an
// escaping path lands inside root instead of returning an error
// (securejoin's SecureJoin, chroot-style resolution).
func (l *LocalFS) resolve(path string) (string, error) {
	full, err := securejoin.SecureJoin(l.root, path)
	if err != nil {
		return "", fmt.Errorf("resolve dfs path %q: %w", path, err)
	}
	return full, nil
}

// GetLocalHandle returns a path directly usable as a QEMU file= target.
// For LocalFS this is simply the resolved on-disk path; a networked DFS
// adapter would instead stage a local copy and return that.
func (l *LocalFS) GetLocalHandle(path string) (string, error) {
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("stat %s: %w", full, err)
	}
	return full, nil
}

// Open opens path for small sequential reads ("r") or writes ("w").
func (l *LocalFS) Open(path string, mode string) (io.ReadWriteCloser, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	switch mode {
	case "r":
		f, err := os.Open(full)
		if err != nil {
			return nil, fmt.Errorf("open %s for read: %w", full, err)
		}
		return f, nil
	case "w":
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, fmt.Errorf("create parent dir for %s: %w", full, err)
		}
		f, err := os.Create(full)
		if err != nil {
			return nil, fmt.Errorf("open %s for write: %w", full, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported open mode %q", mode)
	}
}

// CopyTo copies a local file up into the DFS at remote.
func (l *LocalFS) CopyTo(local, remote string) error {
	full, err := l.resolve(remote)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", full, err)
	}
	return copyFile(local, full)
}

// CopyFrom copies a DFS object at remote down to a local path.
func (l *LocalFS) CopyFrom(remote, local string) error {
	full, err := l.resolve(remote)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", local, err)
	}
	return copyFile(full, local)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return out.Close()
}
