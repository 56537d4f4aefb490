package qemu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

func TestInstanceSnapshotRoundTrip(t *testing.T) {
	instance := vmcontrol.Instance{
		MemoryMiB: 1024,
		Cores:     4,
		Disks:     []vmcontrol.Disk{{URI: "a.img", Persistent: true}},
		Nics:      []vmcontrol.Nic{{MAC: "00:11:22:33:44:55", Network: 3}},
		Hints:     map[string]string{vmcontrol.HintClock: "rt"},
	}

	got := fromInstanceSnapshot(toInstanceSnapshot(instance))
	assert.Equal(t, instance, got)
}

// scriptedMonitor replies to each incoming line with the next scripted
// response, simulating a sequence of QEMU monitor dialogues.
func scriptedMonitor(t *testing.T, responses []string) (ptyReader, func()) {
	t.Helper()
	client, server := newMonitorPipe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for _, resp := range responses {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			_ = n
			if resp == "" {
				continue
			}
			if _, err := server.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()

	return client, func() { server.Close(); wg.Wait() }
}

func TestChangeVNCCommandUsesWildcardBindAddress(t *testing.T) {
	assert.Equal(t, "change vnc :0", changeVNCCommand(0))
	assert.Equal(t, "change vnc :7", changeVNCCommand(7))
}

func TestStopVmRetriesOnMigrationFailedThenSucceeds(t *testing.T) {
	monitor, done := scriptedMonitor(t, []string{
		"migration failed\n(qemu) ", // first migrate attempt fails
		"\n(qemu) ",                 // second migrate attempt succeeds (no failure text)
		"",                          // quit, no reply expected
	})
	defer done()

	q := &Qemu{cfg: Config{MigrationRetries: 3, MigrateTimeout: time.Second, MonitorTimeout: time.Second}}
	r := &vmRecord{VmId: 55, mu: &sync.Mutex{}}

	err := q.stopVm(context.Background(), r, monitor, "tcp:10.0.0.5:19500", false)
	require.NoError(t, err)
}

func TestStopVmExhaustsRetries(t *testing.T) {
	monitor, done := scriptedMonitor(t, []string{
		"migration failed\n(qemu) ",
		"migration failed\n(qemu) ",
		"",
	})
	defer done()

	q := &Qemu{cfg: Config{MigrationRetries: 2, MigrateTimeout: time.Second, MonitorTimeout: time.Second}}
	r := &vmRecord{VmId: 56, mu: &sync.Mutex{}}

	err := q.stopVm(context.Background(), r, monitor, "tcp:10.0.0.5:19500", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vmcontrol.ErrMigrationFailed))
}

func TestStopVmIssuesStopFirstWhenRequested(t *testing.T) {
	monitor, done := scriptedMonitor(t, []string{
		"\n(qemu) ", // reply to "stop"
		"\n(qemu) ", // reply to "migrate"
		"",          // quit
	})
	defer done()

	q := &Qemu{cfg: Config{MigrationRetries: 1, MigrateTimeout: time.Second, MonitorTimeout: time.Second}}
	r := &vmRecord{VmId: 57, mu: &sync.Mutex{}}

	err := q.stopVm(context.Background(), r, monitor, "exec:gzip -c > /tmp/x", true)
	require.NoError(t, err)
}
