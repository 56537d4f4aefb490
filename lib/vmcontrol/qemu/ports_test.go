package qemu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseVNCPortReturnsSmallestFree(t *testing.T) {
	p := newPortAllocators()

	a := p.leaseVNCPort()
	b := p.leaseVNCPort()
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)

	p.releaseVNCPort(a)
	c := p.leaseVNCPort()
	assert.Equal(t, 0, c, "released index should be reused before allocating a new one")
}

func TestLeaseDebugConsolePortNeverRecycles(t *testing.T) {
	p := newPortAllocators()
	first := p.leaseDebugConsolePort()
	second := p.leaseDebugConsolePort()
	assert.Equal(t, debugConsolePortBase, first)
	assert.Equal(t, debugConsolePortBase+1, second)
}

func TestMigrationPortLeaseIsWithinRange(t *testing.T) {
	p := newPortAllocators()
	port, err := p.leaseMigrationPort()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, migrationPortLow)
	assert.Less(t, port, migrationPortHigh)

	p.releaseMigrationPort(port)
	assert.False(t, p.migrationInUse[port])
}

func TestMigrationPortLeasesAreDisjoint(t *testing.T) {
	p := newPortAllocators()
	seen := make(map[int]bool)
	for i := 0; i < 50; i++ {
		port, err := p.leaseMigrationPort()
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d leased twice without release", port)
		seen[port] = true
	}
}
