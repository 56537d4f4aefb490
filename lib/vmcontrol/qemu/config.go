package qemu

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// uriScrubber restricts a Disk.URI to characters safe to embed in a DFS
// path segment, grounded on qemu.py's filename-scrubbing before handing a
// disk URI to the DFS's getLocalHandle.
var uriScrubber = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func scrubDiskURI(uri string) string {
	return uriScrubber.ReplaceAllString(uri, "_")
}

// resolveDiskPaths asks dfs for a local handle to every disk in instance,
// returning them in the same order.
func resolveDiskPaths(dfs vmcontrol.DFS, instance vmcontrol.Instance) ([]string, error) {
	paths := make([]string, len(instance.Disks))
	for i, d := range instance.Disks {
		handle, err := dfs.GetLocalHandle("images/" + scrubDiskURI(d.URI))
		if err != nil {
			return nil, fmt.Errorf("%w: resolve disk %s: %w", vmcontrol.ErrDfsError, d.URI, err)
		}
		paths[i] = handle
	}
	return paths, nil
}

// buildArgs constructs the full QEMU argv for instance, following spec.md
// section 4.F's exact rules (grounded in structure on hypeman's
// config.go BuildArgs, in content on qemu.py's startVm argv assembly).
//
// extra (the -incoming pair, when given) is appended last so startVm's
// callers (ResumeVM, PrepReceiveVM) can extend the base config without
// duplicating this function.
func buildArgs(instance vmcontrol.Instance, diskPaths []string, extra ...string) ([]string, error) {
	if len(diskPaths) != len(instance.Disks) {
		return nil, fmt.Errorf("disk path count %d does not match instance disk count %d", len(diskPaths), len(instance.Disks))
	}

	args := []string{
		"-m", strconv.Itoa(instance.MemoryMiB),
		"-smp", strconv.Itoa(instance.Cores),
		"-serial", "none",
		"-vnc", "none",
		"-monitor", "pty",
	}

	if clock := instance.Hint(vmcontrol.HintClock, vmcontrol.DefaultClock); clock != "" {
		args = append(args, "-clock", clock)
	}

	diskInterface := instance.Hint(vmcontrol.HintDiskInterface, vmcontrol.DefaultDiskInterface)
	for i, d := range instance.Disks {
		snapshot := "on"
		if d.Persistent {
			snapshot = "off"
		}
		driveArg := fmt.Sprintf(
			"file=%s,if=%s,index=%d,snapshot=%s,media=disk",
			diskPaths[i], diskInterface, i, snapshot,
		)
		args = append(args, "-drive", driveArg)
	}

	nicModel := instance.Hint(vmcontrol.HintNicModel, vmcontrol.DefaultNicModel)
	for _, n := range instance.Nics {
		nicArg := fmt.Sprintf("nic,macaddr=%s,model=%s,vlan=%d", n.MAC, nicModel, n.Network)
		args = append(args, "-net", nicArg)

		tapArg := fmt.Sprintf("tap,vlan=%d,script=/etc/qemu-ifup.%d", n.Network, n.Network)
		args = append(args, "-net", tapArg)
	}

	args = append(args, extra...)
	return args, nil
}

// incomingArg builds the "-incoming {target}" argument pair used by
// PrepReceiveVM (target "tcp:0.0.0.0:PORT", listening) and ResumeVM
// (target "exec:zcat {file}", reading a local compressed image).
func incomingArg(target string) []string {
	return []string{"-incoming", target}
}

// describeArgs renders argv for diagnostic logging without embedding any
// DFS credentials a future adapter might put in a path (none do today, but
// this keeps the log line stable if that changes).
func describeArgs(args []string) string {
	return strings.Join(args, " ")
}
