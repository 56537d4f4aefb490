package qemu

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/tashi-project/vmcore/lib/logger"
	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// InstantiateVM starts a fresh VM from instance and returns its vmId.
func (q *Qemu) InstantiateVM(ctx context.Context, instance vmcontrol.Instance) (int, error) {
	start := time.Now()
	ctx, end := q.startSpan(ctx, "InstantiateVM")
	defer end()

	vmId, err := q.startVm(ctx, instance, nil, false)
	q.recordInstantiate(ctx, start, err)
	if err != nil {
		return 0, err
	}
	return vmId, nil
}

// startVm is the shared fork/exec path used by InstantiateVM,
// PrepReceiveVM and ResumeVM. incomingTarget, when non-empty, is passed as
// "-incoming {incomingTarget}" so the new process starts awaiting a
// migration stream instead of booting fresh. issueContinue, when true,
// issues an explicit "cont" monitor command once the pty is ready -- older
// QEMU releases leave an -incoming VM paused until told to continue.
func (q *Qemu) startVm(ctx context.Context, instance vmcontrol.Instance, incomingTarget *string, issueContinue bool) (int, error) {
	log := logger.FromContext(ctx)

	diskPaths, err := resolveDiskPaths(q.dfs, instance)
	if err != nil {
		return 0, err
	}

	var extra []string
	if incomingTarget != nil {
		extra = incomingArg(*incomingTarget)
	}

	argv, err := buildArgs(instance, diskPaths, extra...)
	if err != nil {
		return 0, fmt.Errorf("build qemu args: %w", err)
	}

	token := cuid2.Generate()
	scratch := q.paths.ScratchDir(token)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return 0, fmt.Errorf("create scratch dir: %w", err)
	}

	log.InfoContext(ctx, "starting qemu", "args", describeArgs(argv))

	stderrPath := scratch + "/qemu.stderr"
	sr, err := spawnQemu(ctx, q.cfg.QemuBin, argv, stderrPath)
	if err != nil {
		return 0, err
	}

	vmId := sr.cmd.Process.Pid

	r := &vmRecord{
		VmId:       vmId,
		PtyPath:    sr.ptyPath,
		Instance:   toInstanceSnapshot(instance),
		OSChild:    true,
		VNCPort:    -1,
		StderrPath: stderrPath,
		CreatedAt:  time.Now(),
	}
	q.table.insert(r)
	q.monitors.store(vmId, sr.monitorFd)

	if issueContinue {
		if _, err := q.enterCommand(ctx, r, sr.monitorFd, "cont", true, q.cfg.MonitorTimeout); err != nil {
			log.WarnContext(ctx, "cont after incoming failed, vm may already be running", "vmId", vmId, "error", err)
		}
	}

	if err := q.saveInfo(r); err != nil {
		log.WarnContext(ctx, "failed to persist info for new vm", "vmId", vmId, "error", err)
	}

	return vmId, nil
}

// SuspendVM freezes vmId, migrates its memory image compressed to target
// in the DFS, and stops the process. suspendCookie round-trips through
// ResumeVM unchanged.
func (q *Qemu) SuspendVM(ctx context.Context, vmId int, target string, suspendCookie []byte) (int, error) {
	start := time.Now()
	ctx, end := q.startSpan(ctx, "SuspendVM")
	defer end()

	r, ok := q.table.get(vmId)
	if !ok {
		return 0, fmt.Errorf("%w: vm %d", vmcontrol.ErrUncontrolledVM, vmId)
	}
	monitorFd, ok := q.monitors.load(vmId)
	if !ok {
		return 0, fmt.Errorf("%w: vm %d has no open monitor", vmcontrol.ErrUncontrolledVM, vmId)
	}

	token := cuid2.Generate()
	scratch := q.paths.ScratchDir(token)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return 0, fmt.Errorf("create scratch dir: %w", err)
	}
	localMem := scratch + "/suspend.dat"

	err := q.stopVm(ctx, r, monitorFd, fmt.Sprintf("exec:gzip -c > %s", localMem), true)
	if err != nil {
		q.recordSuspend(ctx, start, err)
		return 0, err
	}

	infoBlob, err := vmcontrol.EncodeSuspendInfo(fromInstanceSnapshot(r.Instance), suspendCookie)
	if err != nil {
		return 0, fmt.Errorf("encode suspend info: %w", err)
	}
	localInfo := scratch + "/suspend.info"
	if err := os.WriteFile(localInfo, infoBlob, 0644); err != nil {
		return 0, fmt.Errorf("write local suspend info: %w", err)
	}

	if err := q.dfs.CopyTo(localMem, target); err != nil {
		return 0, fmt.Errorf("%w: copy suspend image: %w", vmcontrol.ErrDfsError, err)
	}
	if err := q.dfs.CopyTo(localInfo, target+".info"); err != nil {
		return 0, fmt.Errorf("%w: copy suspend info: %w", vmcontrol.ErrDfsError, err)
	}

	q.recordSuspend(ctx, start, nil)
	return vmId, nil
}

// ResumeVM restarts a VM previously suspended to source.
func (q *Qemu) ResumeVM(ctx context.Context, source string) (int, []byte, error) {
	start := time.Now()
	ctx, end := q.startSpan(ctx, "ResumeVM")
	defer end()

	token := cuid2.Generate()
	scratch := q.paths.ScratchDir(token)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return 0, nil, fmt.Errorf("create scratch dir: %w", err)
	}
	localMem := scratch + "/resume.dat"
	localInfo := scratch + "/resume.info"

	if err := q.dfs.CopyFrom(source, localMem); err != nil {
		return 0, nil, fmt.Errorf("%w: copy resume image: %w", vmcontrol.ErrDfsError, err)
	}
	if err := q.dfs.CopyFrom(source+".info", localInfo); err != nil {
		return 0, nil, fmt.Errorf("%w: copy resume info: %w", vmcontrol.ErrDfsError, err)
	}

	infoBlob, err := os.ReadFile(localInfo)
	if err != nil {
		return 0, nil, fmt.Errorf("read local resume info: %w", err)
	}
	instance, suspendCookie, err := vmcontrol.DecodeSuspendInfo(infoBlob)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", vmcontrol.ErrInfoLoadFailed, err)
	}

	incoming := fmt.Sprintf("exec:zcat %s", localMem)
	vmId, err := q.startVm(ctx, instance, &incoming, true)
	q.recordResume(ctx, start, err)
	if err != nil {
		return 0, nil, err
	}

	return vmId, suspendCookie, nil
}

// PrepReceiveVM starts a VM listening for an incoming migration.
func (q *Qemu) PrepReceiveVM(ctx context.Context, instance vmcontrol.Instance, source string) ([]byte, error) {
	start := time.Now()
	ctx, end := q.startSpan(ctx, "PrepReceiveVM")
	defer end()

	port, err := q.ports.leaseMigrationPort()
	if err != nil {
		q.recordPrepReceive(ctx, start, err)
		return nil, err
	}

	incoming := fmt.Sprintf("tcp:0.0.0.0:%d", port)
	vmId, err := q.startVm(ctx, instance, &incoming, false)
	if err != nil {
		q.ports.releaseMigrationPort(port)
		q.recordPrepReceive(ctx, start, err)
		return nil, err
	}

	hostname, _ := os.Hostname()
	cookie, err := vmcontrol.EncodeTransportCookie(vmcontrol.TransportCookie{
		Port:     uint16(port),
		VmId:     uint32(vmId),
		Hostname: hostname,
	})
	if err != nil {
		return nil, fmt.Errorf("encode transport cookie: %w", err)
	}

	q.recordPrepReceive(ctx, start, nil)
	return cookie, nil
}

// MigrateVM drives vmId's live migration to targetHost, on the port named
// in transportCookie, blocking until the source process has exited.
func (q *Qemu) MigrateVM(ctx context.Context, vmId int, targetHost string, transportCookie []byte) (int, error) {
	start := time.Now()
	ctx, end := q.startSpan(ctx, "MigrateVM")
	defer end()

	cookie, err := vmcontrol.DecodeTransportCookie(transportCookie)
	if err != nil {
		return 0, fmt.Errorf("decode transport cookie: %w", err)
	}

	r, ok := q.table.get(vmId)
	if !ok {
		return 0, fmt.Errorf("%w: vm %d", vmcontrol.ErrUncontrolledVM, vmId)
	}
	monitorFd, ok := q.monitors.load(vmId)
	if !ok {
		return 0, fmt.Errorf("%w: vm %d has no open monitor", vmcontrol.ErrUncontrolledVM, vmId)
	}

	if err := q.migrationSem.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("acquire migration semaphore: %w", err)
	}
	defer q.migrationSem.Release(1)

	r.MigratingOut = true
	_ = q.saveInfo(r)
	q.recordStateTransition(ctx, "migrating")

	target := fmt.Sprintf("tcp:%s:%d", targetHost, cookie.Port)
	err = q.stopVm(ctx, r, monitorFd, target, false)

	q.recordMigrate(ctx, start, err)
	if err != nil {
		r.MigratingOut = false
		_ = q.saveInfo(r)
		return 0, err
	}

	// Wait for the Reaper to observe the source process's exit.
	delay := q.cfg.PollDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		if _, ok := q.table.get(vmId); !ok {
			return vmId, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ReceiveVM completes the receiving side of a migration prepared by
// PrepReceiveVM, once the incoming stream has finished.
func (q *Qemu) ReceiveVM(ctx context.Context, transportCookie []byte) (int, error) {
	start := time.Now()
	ctx, end := q.startSpan(ctx, "ReceiveVM")
	defer end()

	cookie, err := vmcontrol.DecodeTransportCookie(transportCookie)
	if err != nil {
		return 0, fmt.Errorf("decode transport cookie: %w", err)
	}
	vmId := int(cookie.VmId)

	if _, ok := q.table.get(vmId); !ok {
		return 0, fmt.Errorf("%w: vm %d", vmcontrol.ErrUncontrolledVM, vmId)
	}

	q.ports.releaseMigrationPort(int(cookie.Port))

	q.recordReceive(ctx, start, nil)
	return vmId, nil
}

// PauseVM freezes vmId's guest CPU.
func (q *Qemu) PauseVM(ctx context.Context, vmId int) error {
	return q.simpleMonitorCommand(ctx, vmId, "stop")
}

// UnpauseVM resumes vmId's guest CPU.
func (q *Qemu) UnpauseVM(ctx context.Context, vmId int) error {
	return q.simpleMonitorCommand(ctx, vmId, "cont")
}

func (q *Qemu) simpleMonitorCommand(ctx context.Context, vmId int, cmd string) error {
	r, ok := q.table.get(vmId)
	if !ok {
		return fmt.Errorf("%w: vm %d", vmcontrol.ErrUncontrolledVM, vmId)
	}
	monitorFd, ok := q.monitors.load(vmId)
	if !ok {
		return fmt.Errorf("%w: vm %d has no open monitor", vmcontrol.ErrUncontrolledVM, vmId)
	}
	_, err := q.enterCommand(ctx, r, monitorFd, cmd, true, q.cfg.MonitorTimeout)
	if err != nil {
		_ = q.saveInfo(r)
	}
	return err
}

// DestroyVM unconditionally kills vmId. The Reaper observes the death and
// performs cleanup.
//
// Open Question (preserved from the source, not resolved): clearing
// MigratingOut before the kill permits the Reaper to upcall Exited for a
// VM that was mid-migrate-out when destroyed, even though the destination
// side may also believe it owns the VM. The source has this same ordering;
// it is not changed here without a product decision.
func (q *Qemu) DestroyVM(ctx context.Context, vmId int) error {
	ctx, end := q.startSpan(ctx, "DestroyVM")
	defer end()

	r, ok := q.table.get(vmId)
	if !ok {
		return fmt.Errorf("%w: vm %d", vmcontrol.ErrUncontrolledVM, vmId)
	}

	r.MigratingOut = false
	_ = q.saveInfo(r)

	return killProcess(vmId)
}

// changeVNCCommand builds the monitor command that (re)binds the VNC server
// to the given display index. Per spec.md and the original's
// `"change vnc :%d" % (port)`, this binds on all interfaces (":N"), not
// loopback only -- a caller reaches it via hostname:(vncPortBase+N).
func changeVNCCommand(idx int) string {
	return fmt.Sprintf("change vnc :%d", idx)
}

// VmmSpecificCall dispatches an operator string to a QEMU-specific monitor
// action: "startvnc", "stopvnc", "changecdrom:{iso}", "startconsole".
func (q *Qemu) VmmSpecificCall(ctx context.Context, vmId int, arg string) (string, error) {
	r, ok := q.table.get(vmId)
	if !ok {
		return "", fmt.Errorf("%w: vm %d", vmcontrol.ErrUncontrolledVM, vmId)
	}
	monitorFd, ok := q.monitors.load(vmId)
	if !ok {
		return "", fmt.Errorf("%w: vm %d has no open monitor", vmcontrol.ErrUncontrolledVM, vmId)
	}

	switch {
	case arg == "startvnc":
		idx := q.ports.leaseVNCPort()
		if _, err := q.enterCommand(ctx, r, monitorFd, changeVNCCommand(idx), true, q.cfg.MonitorTimeout); err != nil {
			q.ports.releaseVNCPort(idx)
			return "", err
		}
		r.VNCPort = idx
		_ = q.saveInfo(r)
		return fmt.Sprintf("%d", idx+vncPortBase), nil

	case arg == "stopvnc":
		reply, err := q.enterCommand(ctx, r, monitorFd, "change vnc none", true, q.cfg.MonitorTimeout)
		if err != nil {
			return "", err
		}
		q.ports.releaseVNCPort(r.VNCPort)
		r.VNCPort = -1
		_ = q.saveInfo(r)
		return reply, nil

	case strings.HasPrefix(arg, "changecdrom:"):
		iso := strings.TrimPrefix(arg, "changecdrom:")
		handle, err := q.dfs.GetLocalHandle("images/" + scrubDiskURI(iso))
		if err != nil {
			return "", fmt.Errorf("%w: resolve cdrom image %s: %w", vmcontrol.ErrDfsError, iso, err)
		}
		return q.enterCommand(ctx, r, monitorFd, fmt.Sprintf("change ide1-cd0 %s", handle), true, q.cfg.MonitorTimeout)

	case arg == "startconsole":
		port := q.ports.leaseDebugConsolePort()
		if err := q.startDebugConsole(ctx, vmId, port, monitorFd); err != nil {
			return "", err
		}
		r.DebugConsolePort = port
		_ = q.saveInfo(r)
		return fmt.Sprintf("%d", port), nil

	default:
		return "", fmt.Errorf("unrecognized vmm-specific call %q", arg)
	}
}

// stopVm optionally issues "stop", then drives a migrate-with-retry loop
// against target, then issues "quit" without waiting for a prompt (the
// process is gone by then). Shared by SuspendVM (target is a local
// exec:gzip pipe) and MigrateVM (target is a remote tcp:host:port).
func (q *Qemu) stopVm(ctx context.Context, r *vmRecord, monitorFd ptyReader, target string, stopFirst bool) error {
	log := logger.FromContext(ctx).With("vmId", r.VmId, "target", target)

	if stopFirst {
		if _, err := q.enterCommand(ctx, r, monitorFd, "stop", true, q.cfg.MonitorTimeout); err != nil {
			return fmt.Errorf("stop vm %d before migrate: %w", r.VmId, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < q.cfg.MigrationRetries; attempt++ {
		reply, err := q.enterCommand(ctx, r, monitorFd, "migrate "+target, true, q.cfg.MigrateTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.Contains(reply, "migration failed") {
			lastErr = fmt.Errorf("%w: attempt %d: %s", vmcontrol.ErrMigrationFailed, attempt+1, reply)
			log.WarnContext(ctx, "migrate attempt failed, retrying", "attempt", attempt+1, "error", lastErr)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("%w: vm %d: %w", vmcontrol.ErrMigrationFailed, r.VmId, lastErr)
	}

	if _, err := q.enterCommand(ctx, r, monitorFd, "quit", false, q.cfg.MonitorTimeout); err != nil {
		log.WarnContext(ctx, "quit after migrate returned an error, process is expected to be gone already", "error", err)
	}
	return nil
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func toInstanceSnapshot(i vmcontrol.Instance) instanceSnapshot {
	disks := make([]diskSnapshot, len(i.Disks))
	for idx, d := range i.Disks {
		disks[idx] = diskSnapshot{URI: d.URI, Persistent: d.Persistent}
	}
	nics := make([]nicSnapshot, len(i.Nics))
	for idx, n := range i.Nics {
		nics[idx] = nicSnapshot{MAC: n.MAC, Network: n.Network}
	}
	return instanceSnapshot{MemoryMiB: i.MemoryMiB, Cores: i.Cores, Disks: disks, Nics: nics, Hints: i.Hints}
}

func fromInstanceSnapshot(s instanceSnapshot) vmcontrol.Instance {
	disks := make([]vmcontrol.Disk, len(s.Disks))
	for idx, d := range s.Disks {
		disks[idx] = vmcontrol.Disk{URI: d.URI, Persistent: d.Persistent}
	}
	nics := make([]vmcontrol.Nic, len(s.Nics))
	for idx, n := range s.Nics {
		nics[idx] = vmcontrol.Nic{MAC: n.MAC, Network: n.Network}
	}
	return vmcontrol.Instance{MemoryMiB: s.MemoryMiB, Cores: s.Cores, Disks: disks, Nics: nics, Hints: s.Hints}
}
