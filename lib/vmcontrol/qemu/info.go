package qemu

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tashi-project/vmcore/lib/logger"
	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// persistedRecord is the logical on-disk schema for a vmRecord, as used by
// every caller of saveInfo/loadInfo. Kept distinct from vmRecord so that
// adding fields to the in-memory record does not change the wire schema
// unless mirrored here deliberately, and so that schema defaults (for
// fields absent from an older file) are applied in one place.
//
// VNCPort is the logical port, -1 meaning "VNC never started". It is
// deliberately NOT what gets gob-encoded directly -- see persistedRecordWire.
type persistedRecord struct {
	VmId             int
	PtyPath          string
	Instance         instanceSnapshot
	MonitorHistory   []byte
	OSChild          bool
	ErrorBit         bool
	MigratingOut     bool
	VNCPort          int
	DebugConsolePort int
	StderrPath       string
}

// persistedRecordWire is the actual gob schema. gob omits zero-value fields
// from the wire (encoding/gob/doc.go), so a VNCPort field encoded directly
// could not distinguish a legitimately-assigned port 0 from a file that
// never set a VNC port at all -- both would decode back to 0. VNCPortPlusOne
// shifts the logical value by one before encoding, so only the
// never-started case (-1) round-trips through the gob-omittable wire zero;
// a real port 0 is encoded as 1, which gob always writes.
type persistedRecordWire struct {
	VmId             int
	PtyPath          string
	Instance         instanceSnapshot
	MonitorHistory   []byte
	OSChild          bool
	ErrorBit         bool
	MigratingOut     bool
	VNCPortPlusOne   int
	DebugConsolePort int
	StderrPath       string
}

// saveInfo persists r to {infoDir}/{pid} via temp-write-then-rename, so a
// reader never observes a partial file (REDESIGN FLAG: the original wrote
// in place).
func (q *Qemu) saveInfo(r *vmRecord) error {
	wire := persistedRecordWire{
		VmId:             r.VmId,
		PtyPath:          r.PtyPath,
		Instance:         r.Instance,
		MonitorHistory:   r.MonitorHistory,
		OSChild:          r.OSChild,
		ErrorBit:         r.ErrorBit,
		MigratingOut:     r.MigratingOut,
		VNCPortPlusOne:   r.VNCPort + 1,
		DebugConsolePort: r.DebugConsolePort,
		StderrPath:       r.StderrPath,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return fmt.Errorf("encode info for vm %d: %w", r.VmId, err)
	}

	tmp := q.paths.InfoFileTemp(r.VmId)
	final := q.paths.InfoFile(r.VmId)

	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write temp info for vm %d: %w", r.VmId, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename info for vm %d: %w", r.VmId, err)
	}
	return nil
}

// loadInfo reads and decodes {infoDir}/{pid}, applying schema defaults for
// fields a prior version might have omitted (VNCPort=-1 meaning "never
// started", MonitorHistory=nil meaning "empty", everything else zero-value).
func loadInfo(path string) (persistedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return persistedRecord{}, fmt.Errorf("read %s: %w", path, err)
	}

	var wire persistedRecordWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return persistedRecord{}, fmt.Errorf("decode %s: %w", path, err)
	}

	pr := persistedRecord{
		VmId:             wire.VmId,
		PtyPath:          wire.PtyPath,
		Instance:         wire.Instance,
		MonitorHistory:   wire.MonitorHistory,
		OSChild:          wire.OSChild,
		ErrorBit:         wire.ErrorBit,
		MigratingOut:     wire.MigratingOut,
		VNCPort:          wire.VNCPortPlusOne - 1,
		DebugConsolePort: wire.DebugConsolePort,
		StderrPath:       wire.StderrPath,
	}
	if pr.MonitorHistory == nil {
		pr.MonitorHistory = []byte{}
	}
	return pr, nil
}

// scanInfoDir loads every persisted record found under infoDir on startup,
// the PID-reconciliation counterpart of spec.md section 4.C: a record whose
// filename does not parse as an int, or whose content fails to decode, is
// dropped with a logged ErrInfoLoadFailed rather than aborting startup.
func (q *Qemu) scanInfoDir(ctx context.Context) error {
	log := logger.FromContext(ctx)

	entries, err := os.ReadDir(q.paths.InfoDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read info dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) > 0 && name[0] == '.' {
			// temp-write sibling from an interrupted save; a future save
			// will overwrite it, a future reaper pass cannot match it to a
			// live pid, so it is simply ignored here.
			continue
		}

		vmId, err := strconv.Atoi(name)
		if err != nil {
			log.WarnContext(ctx, "ignoring non-numeric info file", "name", name)
			continue
		}

		pr, err := loadInfo(filepath.Join(q.paths.InfoDir(), name))
		if err != nil {
			log.WarnContext(ctx, "failed to load info file, dropping", "vmId", vmId, "error", fmt.Errorf("vm %d: %w: %w", vmId, vmcontrol.ErrInfoLoadFailed, err))
			continue
		}
		if pr.VmId != vmId {
			log.WarnContext(ctx, "info file vmId mismatch, dropping", "filename", vmId, "content", pr.VmId)
			continue
		}

		r := &vmRecord{
			VmId:             pr.VmId,
			PtyPath:          pr.PtyPath,
			Instance:         pr.Instance,
			MonitorHistory:   pr.MonitorHistory,
			OSChild:          pr.OSChild,
			ErrorBit:         pr.ErrorBit,
			MigratingOut:     pr.MigratingOut,
			VNCPort:          pr.VNCPort,
			DebugConsolePort: pr.DebugConsolePort,
			StderrPath:       pr.StderrPath,
		}
		q.table.insert(r)
		if r.VNCPort >= 0 {
			q.ports.vncInUse[r.VNCPort] = true
		}

		if r.PtyPath != "" {
			if f, err := openMonitor(r.PtyPath); err == nil {
				q.monitors.store(r.VmId, f)
			} else {
				log.WarnContext(ctx, "could not reopen monitor pty for recovered vm, dialogue unavailable until reaped", "vmId", vmId, "error", err)
			}
		}

		log.InfoContext(ctx, "recovered vm record on startup", "vmId", vmId, "osChild", r.OSChild)
	}

	return nil
}

// unlinkInfo removes the persisted record for vmId. Called only by the
// Reaper once a VM has been confirmed dead.
func (q *Qemu) unlinkInfo(vmId int) error {
	err := os.Remove(q.paths.InfoFile(vmId))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlink info for vm %d: %w", vmId, err)
	}
	return nil
}
