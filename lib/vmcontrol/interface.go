package vmcontrol

import (
	"context"
	"io"
)

// VmControl is the interface the node manager drives a hypervisor backend
// through. The sole implementation in this module is the Qemu backend
// (vmcontrol/qemu.Qemu).
type VmControl interface {
	// InstantiateVM starts a fresh VM from instance and returns its vmId
	// (the QEMU process pid on this host).
	InstantiateVM(ctx context.Context, instance Instance) (vmId int, err error)

	// SuspendVM freezes vmId's guest CPU, migrates its memory image to a
	// DFS-backed blob named by target, and stops the VM. suspendCookie is
	// opaque to the core and is round-tripped unchanged by ResumeVM.
	SuspendVM(ctx context.Context, vmId int, target string, suspendCookie []byte) (int, error)

	// ResumeVM starts a VM from a blob previously written by SuspendVM and
	// returns the new vmId and the suspendCookie that was passed to SuspendVM.
	ResumeVM(ctx context.Context, source string) (vmId int, suspendCookie []byte, err error)

	// PrepReceiveVM starts a VM listening for an incoming migration and
	// returns an opaque transportCookie to hand to the sending host's
	// MigrateVM.
	PrepReceiveVM(ctx context.Context, instance Instance, source string) (transportCookie []byte, err error)

	// MigrateVM drives vmId's live migration to targetHost using the
	// transportCookie returned by the target's PrepReceiveVM. Blocks until
	// the source VM has exited.
	MigrateVM(ctx context.Context, vmId int, targetHost string, transportCookie []byte) (int, error)

	// ReceiveVM completes the receiving side of a migration once the
	// incoming transfer has finished, returning the vmId that was prepared
	// by PrepReceiveVM.
	ReceiveVM(ctx context.Context, transportCookie []byte) (int, error)

	// PauseVM / UnpauseVM freeze and resume the guest CPU.
	PauseVM(ctx context.Context, vmId int) error
	UnpauseVM(ctx context.Context, vmId int) error

	// DestroyVM unconditionally kills vmId. The Reaper observes the death
	// and performs cleanup.
	DestroyVM(ctx context.Context, vmId int) error

	// VmmSpecificCall dispatches an operator string (see spec.md section 6)
	// to a backend-specific monitor action.
	VmmSpecificCall(ctx context.Context, vmId int, arg string) (string, error)

	// ListVMs returns the vmIds currently controlled by this supervisor.
	ListVMs(ctx context.Context) ([]int, error)
}

// DFS is the abstract distributed-filesystem adapter the engine uses for
// image locality and suspend-blob transport (component H). The concrete
// filesystem is out of scope for this core; see vmcore/lib/dfs/localfs for
// a reference implementation used in tests and single-host deployments.
type DFS interface {
	// GetLocalHandle returns a path usable as a QEMU file= target for the
	// given DFS path (conventionally "images/{scrubbed-uri}").
	GetLocalHandle(path string) (string, error)

	// Open opens path for small sequential reads ("r") or writes ("w").
	Open(path string, mode string) (io.ReadWriteCloser, error)

	// CopyTo copies a local file up into the DFS at remote.
	CopyTo(local, remote string) error

	// CopyFrom copies a DFS object at remote down to a local path.
	CopyFrom(remote, local string) error
}

// NodeManagerCallback is the single upcall the core makes into the cluster
// manager. Implementations must treat failures as fire-and-forget: the
// core logs and swallows any error this returns.
type NodeManagerCallback interface {
	VMStateChange(ctx context.Context, vmId int, fromState *VMState, toState VMState) error
}
