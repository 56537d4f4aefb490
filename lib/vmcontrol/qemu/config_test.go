package qemu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

func TestScrubDiskURI(t *testing.T) {
	assert.Equal(t, "images_ubuntu-22.04.img", scrubDiskURI("images/ubuntu-22.04.img"))
	assert.Equal(t, "a_b_c", scrubDiskURI("a b/c"))
}

func TestBuildArgsEphemeralDisk(t *testing.T) {
	instance := vmcontrol.Instance{
		MemoryMiB: 512,
		Cores:     2,
		Disks:     []vmcontrol.Disk{{URI: "base.img", Persistent: false}},
		Nics:      []vmcontrol.Nic{{MAC: "52:54:00:00:00:01", Network: 7}},
	}

	args, err := buildArgs(instance, []string{"/dfs/images/base.img"})
	require.NoError(t, err)

	assert.Contains(t, args, "-m")
	assert.Contains(t, args, "512")
	assert.Contains(t, args, "-smp")
	assert.Contains(t, args, "2")
	assert.Contains(t, args, "-drive")
	assert.Contains(t, args, "file=/dfs/images/base.img,if=ide,index=0,snapshot=on,media=disk")
	assert.Contains(t, args, "nic,macaddr=52:54:00:00:00:01,model=e1000,vlan=7")
	assert.Contains(t, args, "tap,vlan=7,script=/etc/qemu-ifup.7")
	assert.Contains(t, args, "-clock")
	assert.Contains(t, args, "dynticks")
}

func TestBuildArgsPersistentDiskUsesSnapshotOff(t *testing.T) {
	instance := vmcontrol.Instance{
		MemoryMiB: 256,
		Cores:     1,
		Disks:     []vmcontrol.Disk{{URI: "root.img", Persistent: true}},
	}

	args, err := buildArgs(instance, []string{"/dfs/images/root.img"})
	require.NoError(t, err)
	assert.Contains(t, args, "file=/dfs/images/root.img,if=ide,index=0,snapshot=off,media=disk")
}

func TestBuildArgsHintsOverrideDefaults(t *testing.T) {
	instance := vmcontrol.Instance{
		MemoryMiB: 256,
		Cores:     1,
		Hints: map[string]string{
			vmcontrol.HintDiskInterface: "virtio",
			vmcontrol.HintNicModel:      "virtio-net",
			vmcontrol.HintClock:         "rt",
		},
		Disks: []vmcontrol.Disk{{URI: "a.img"}},
		Nics:  []vmcontrol.Nic{{MAC: "aa:bb:cc:dd:ee:ff", Network: 1}},
	}

	args, err := buildArgs(instance, []string{"/x/a.img"})
	require.NoError(t, err)
	assert.Contains(t, args, "file=/x/a.img,if=virtio,index=0,snapshot=on,media=disk")
	assert.Contains(t, args, "nic,macaddr=aa:bb:cc:dd:ee:ff,model=virtio-net,vlan=1")
	assert.Contains(t, args, "rt")
}

func TestBuildArgsMismatchedDiskCount(t *testing.T) {
	instance := vmcontrol.Instance{Disks: []vmcontrol.Disk{{URI: "a"}, {URI: "b"}}}
	_, err := buildArgs(instance, []string{"/only/one"})
	require.Error(t, err)
}

func TestIncomingArg(t *testing.T) {
	assert.Equal(t, []string{"-incoming", "tcp:0.0.0.0:19001"}, incomingArg("tcp:0.0.0.0:19001"))
}
