package qemu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildTableInsertGetRemove(t *testing.T) {
	tbl := newChildTable()

	tbl.insert(&vmRecord{VmId: 101})
	tbl.insert(&vmRecord{VmId: 102})

	r, ok := tbl.get(101)
	assert.True(t, ok)
	assert.Equal(t, 101, r.VmId)
	assert.NotNil(t, r.mu, "insert must initialize the per-record mutex")

	assert.ElementsMatch(t, []int{101, 102}, tbl.Keys())
	assert.Equal(t, 2, tbl.Len())

	tbl.remove(101)
	_, ok = tbl.get(101)
	assert.False(t, ok)
	assert.Equal(t, 1, tbl.Len())
}

func TestChildTableSnapshotIsIndependentOfConcurrentMutation(t *testing.T) {
	tbl := newChildTable()
	tbl.insert(&vmRecord{VmId: 1})
	tbl.insert(&vmRecord{VmId: 2})

	snap := tbl.snapshot()
	tbl.remove(1)

	assert.Len(t, snap, 2, "snapshot taken before remove should be unaffected")
	assert.Equal(t, 1, tbl.Len())
}
