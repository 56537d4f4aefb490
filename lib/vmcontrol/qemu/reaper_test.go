package qemu

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tashi-project/vmcore/lib/nodemanager"
	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// recordingCallback records every upcall it receives.
type recordingCallback struct {
	vmIds    []int
	toStates []vmcontrol.VMState
}

func (c *recordingCallback) VMStateChange(ctx context.Context, vmId int, fromState *vmcontrol.VMState, toState vmcontrol.VMState) error {
	c.vmIds = append(c.vmIds, vmId)
	c.toStates = append(c.toStates, toState)
	return nil
}

func TestProcAliveDistinguishesRunningFromExited(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	assert.True(t, procAlive(cmd.Process.Pid))

	cmd.Process.Kill()
	cmd.Wait()

	assert.False(t, procAlive(cmd.Process.Pid))
}

func TestCheckDeadForOSChildReapsZombie(t *testing.T) {
	q, _ := newTestQemu(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	time.Sleep(50 * time.Millisecond) // let it exit and become a zombie

	r := &vmRecord{VmId: cmd.Process.Pid, OSChild: true}
	assert.True(t, q.checkDead(r))
}

func TestReconcileOnceRemovesDeadVMAndUpcalls(t *testing.T) {
	q, _ := newTestQemu(t)
	cb := &recordingCallback{}
	q.nm = cb

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	time.Sleep(50 * time.Millisecond)

	r := &vmRecord{VmId: cmd.Process.Pid, OSChild: true, VNCPort: -1}
	q.table.insert(r)
	require.NoError(t, q.saveInfo(r))

	q.reconcileOnce(context.Background())

	_, ok := q.table.get(r.VmId)
	assert.False(t, ok, "reconcile must remove the dead vm from the table")
	assert.Equal(t, []int{r.VmId}, cb.vmIds, "reconcile must upcall once for the dead vm")
	assert.Equal(t, []vmcontrol.VMState{vmcontrol.StateExited}, cb.toStates)
}

func TestDumpDiagnosticsCopiesMonitorHistoryAndStderr(t *testing.T) {
	q, infoDir := newTestQemu(t)

	stderrPath := filepath.Join(infoDir, "qemu.stderr")
	require.NoError(t, os.WriteFile(stderrPath, []byte("qemu: fatal: failed to initialize KVM\n"), 0644))

	r := &vmRecord{
		VmId:           99,
		MonitorHistory: []byte("(qemu) info status\nVM status: paused\n"),
		StderrPath:     stderrPath,
	}

	q.dumpDiagnostics(context.Background(), r)

	gotHistory, err := os.ReadFile(q.paths.DiagMonitorHistory(r.VmId))
	require.NoError(t, err)
	assert.Equal(t, r.MonitorHistory, gotHistory)

	gotStderr, err := os.ReadFile(q.paths.DiagStderr(r.VmId))
	require.NoError(t, err)
	assert.Equal(t, "qemu: fatal: failed to initialize KVM\n", string(gotStderr))
}

func TestDumpDiagnosticsToleratesMissingStderrPath(t *testing.T) {
	q, _ := newTestQemu(t)

	r := &vmRecord{VmId: 100, MonitorHistory: []byte("history")}

	q.dumpDiagnostics(context.Background(), r)

	_, err := os.Stat(q.paths.DiagStderr(r.VmId))
	assert.True(t, os.IsNotExist(err), "no stderr diagnostic file should be written when StderrPath is unset")
}

func TestReconcileOncePreservesLiveVM(t *testing.T) {
	q, _ := newTestQemu(t)
	q.nm = nodemanager.LoggingCallback{}

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	r := &vmRecord{VmId: cmd.Process.Pid, OSChild: true, VNCPort: -1}
	q.table.insert(r)

	q.reconcileOnce(context.Background())

	_, ok := q.table.get(r.VmId)
	assert.True(t, ok, "reconcile must not remove a still-running vm")
}
