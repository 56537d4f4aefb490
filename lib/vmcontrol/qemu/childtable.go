package qemu

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// vmRecord is the in-memory representation of one controlled VM. It
// mirrors the fields the original source's pickled dict carried,
// replacing the dynamic attribute bag with a tagged struct (REDESIGN FLAG).
//
// It is not encoded directly: saveInfo copies its persisted fields into
// info.go's persistedRecordWire, whose field names are gob-encoded by name
// (CreatedAt and mu are not persisted). Renaming a wire field is safe
// across restarts only if old info files are migrated or discarded -- this
// core discards unreadable records (ErrInfoLoadFailed is logged, not fatal).
type vmRecord struct {
	VmId   int
	PtyPath string

	Instance instanceSnapshot

	MonitorHistory []byte // bounded ring, see monitor.go
	OSChild        bool   // true if this process is a direct child (waitpid-able)
	ErrorBit       bool   // true if a monitor dialogue failed; diagnostics dumped on reap
	MigratingOut   bool   // true while a MigrateVM call is in flight for this vmId
	VNCPort        int    // -1 if VNC has never been started

	// StderrPath is the scratch-dir file spawnQemu continuously appends this
	// VM's stderr to. Recorded so the Reaper can find it again at reap time,
	// potentially long after the spawning call returned.
	StderrPath string

	DebugConsolePort int // 0 if no debug console has been started

	CreatedAt time.Time

	// mu serializes monitor dialogues: spec.md's one-pending-command-
	// per-VM invariant. Not persisted.
	mu *sync.Mutex
}

// instanceSnapshot is the gob-friendly subset of vmcontrol.Instance persisted
// alongside a vmRecord, so SuspendVM can write the instance descriptor
// even for a record recovered from disk. It intentionally excludes nothing -- Instance has no
// unexported fields -- but is named separately so the wire schema is not
// silently coupled to vmcontrol.Instance's Go identity.
type instanceSnapshot struct {
	MemoryMiB int
	Cores     int
	Disks     []diskSnapshot
	Nics      []nicSnapshot
	Hints     map[string]string
}

type diskSnapshot struct {
	URI        string
	Persistent bool
}

type nicSnapshot struct {
	MAC     string
	Network int
}

// childTable is the Child Table (component D): pid -> *vmRecord. Readers
// take the read lock; only InstantiateVM-family operations insert and only
// the Reaper removes.
type childTable struct {
	mu      sync.RWMutex
	records map[int]*vmRecord
}

func newChildTable() *childTable {
	return &childTable{records: make(map[int]*vmRecord)}
}

func (t *childTable) insert(r *vmRecord) {
	if r.mu == nil {
		r.mu = &sync.Mutex{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[r.VmId] = r
}

func (t *childTable) get(vmId int) (*vmRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[vmId]
	return r, ok
}

// remove is only ever called by the Reaper.
func (t *childTable) remove(vmId int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, vmId)
}

// Keys returns a snapshot of all controlled vmIds.
func (t *childTable) Keys() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Keys(t.records)
}

// Len returns the current number of controlled VMs.
func (t *childTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// snapshot returns every record in a new slice (the *vmRecord pointers are
// shared with the table, not copied), for use by the Reaper's
// reconciliation pass without holding the table lock during the (slow)
// /proc scan.
func (t *childTable) snapshot() []*vmRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Values(t.records)
}
