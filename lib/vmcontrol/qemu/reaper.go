package qemu

import (
	"context"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tashi-project/vmcore/lib/logger"
	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// reaperLoop is the Reaper (component E): it periodically reconciles the
// Child Table against reality and is the only goroutine allowed to remove
// a record from the table. Combines a waitpid-style reap for OSChild
// records (our own fork/exec children) with a /proc existence check for
// records recovered from disk on startup that are not our direct children
// (REDESIGN FLAG: the source used the latter for everything).
func (q *Qemu) reaperLoop() {
	defer close(q.reaperDone)

	delay := q.cfg.PollDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	ctx := context.Background()

	for {
		select {
		case <-q.stopReaper:
			return
		case <-ticker.C:
			q.reconcileOnce(ctx)
		}
	}
}

func (q *Qemu) reconcileOnce(ctx context.Context) {
	log := logger.FromContext(ctx)

	for _, r := range q.table.snapshot() {
		dead := q.checkDead(r)
		if !dead {
			continue
		}

		log.InfoContext(ctx, "reaping vm", "vmId", r.VmId, "errorBit", r.ErrorBit, "migratingOut", r.MigratingOut)

		if r.ErrorBit {
			q.dumpDiagnostics(ctx, r)
		}

		if r.VNCPort >= 0 {
			q.ports.releaseVNCPort(r.VNCPort)
		}

		if err := q.unlinkInfo(r.VmId); err != nil {
			log.WarnContext(ctx, "failed to unlink info file during reap", "vmId", r.VmId, "error", err)
		}

		q.monitors.remove(r.VmId)
		q.table.remove(r.VmId)

		if q.onReap != nil {
			q.onReap(r.VmId)
		}

		// Open Question (preserved from the source, not resolved here): a
		// scan-then-match race between this reconciliation pass and a
		// concurrent DestroyVM/MigrateVM can unlink the info file and drop
		// the table entry for a vmId this same pass never calls
		// VMStateChange for, if MigratingOut flips true in between
		// checkDead and this point. Surfacing rather than silently
		// patching, since the correct fix depends on a product decision
		// about migration-race semantics.
		if !r.MigratingOut {
			toState := vmcontrol.StateExited
			if err := q.nm.VMStateChange(ctx, r.VmId, nil, toState); err != nil {
				log.WarnContext(ctx, "node manager callback failed", "vmId", r.VmId, "error", err)
			}
			q.recordStateTransition(ctx, string(toState))
		}
	}
}

// checkDead determines whether r's process has exited, reaping its zombie
// if it was spawned directly by this supervisor.
func (q *Qemu) checkDead(r *vmRecord) bool {
	if r.OSChild {
		var status unix.WaitStatus
		pid, err := unix.Wait4(r.VmId, &status, unix.WNOHANG, nil)
		if err == unix.ECHILD {
			// Already reaped elsewhere, or never actually our child despite
			// OSChild -- either way it's gone.
			return true
		}
		if err != nil {
			return false
		}
		return pid == r.VmId
	}
	return !procAlive(r.VmId)
}

func procAlive(pid int) bool {
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	return err == nil
}

// dumpDiagnostics writes vmId's monitor history and captured stderr to the
// diagnostics directory for an errorBit VM, per spec.md section 4.E step 3.d
// and section 7.
func (q *Qemu) dumpDiagnostics(ctx context.Context, r *vmRecord) {
	log := logger.FromContext(ctx)

	path := q.paths.DiagMonitorHistory(r.VmId)
	if err := os.WriteFile(path, r.MonitorHistory, 0644); err != nil {
		log.WarnContext(ctx, "failed to dump monitor history diagnostics", "vmId", r.VmId, "error", err)
	}

	if r.StderrPath == "" {
		return
	}
	stderr, err := os.ReadFile(r.StderrPath)
	if err != nil {
		log.WarnContext(ctx, "failed to read captured stderr for diagnostics", "vmId", r.VmId, "error", err)
		return
	}
	if err := os.WriteFile(q.paths.DiagStderr(r.VmId), stderr, 0644); err != nil {
		log.WarnContext(ctx, "failed to dump stderr diagnostics", "vmId", r.VmId, "error", err)
	}
}
