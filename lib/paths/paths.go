// Package paths provides centralized path construction for the supervisor's
// on-disk state.
//
// Directory structure:
//
//	{infoDir}/
//	  {pid}                 # persisted VM record (instance, pid, ptyFile)
//	{diagDir}/
//	  {pid}.err             # dumped stderr for an errorBit VM on reap
//	  {pid}.pty             # dumped monitor history for an errorBit VM on reap
//	{tmpDir}/
//	  vmcore-{cuid}/        # unique per-operation scratch directory
//	    qemu.stderr         # captured QEMU stderr (spawn)
//	    suspend.dat, suspend.info
//	    resume.dat, resume.info
package paths

import (
	"path/filepath"
	"strconv"
)

// Paths provides typed path construction for the supervisor's state directories.
type Paths struct {
	infoDir string
	diagDir string
	tmpDir  string
}

// New creates a Paths rooted at the given info directory. Diagnostic dumps
// and per-operation scratch space live under tmpDir (conventionally os.TempDir()).
func New(infoDir, tmpDir string) *Paths {
	return &Paths{
		infoDir: infoDir,
		diagDir: tmpDir,
		tmpDir:  tmpDir,
	}
}

// InfoDir returns the spool directory root.
func (p *Paths) InfoDir() string {
	return p.infoDir
}

// InfoFile returns the path to the persisted record for vmId.
func (p *Paths) InfoFile(vmId int) string {
	return filepath.Join(p.infoDir, strconv.Itoa(vmId))
}

// InfoFileTemp returns a temp-then-rename sibling of InfoFile for atomic writes.
func (p *Paths) InfoFileTemp(vmId int) string {
	return filepath.Join(p.infoDir, "."+strconv.Itoa(vmId)+".tmp")
}

// DiagStderr returns the path stderr is dumped to for an errorBit VM on reap.
func (p *Paths) DiagStderr(vmId int) string {
	return filepath.Join(p.diagDir, strconv.Itoa(vmId)+".err")
}

// DiagMonitorHistory returns the path monitor history is dumped to for an
// errorBit VM on reap.
func (p *Paths) DiagMonitorHistory(vmId int) string {
	return filepath.Join(p.diagDir, strconv.Itoa(vmId)+".pty")
}

// VMLog returns the path of the per-VM log file that accumulates every log
// line carrying this vmId, for the lifetime of the VM.
func (p *Paths) VMLog(vmId int) string {
	return filepath.Join(p.diagDir, strconv.Itoa(vmId)+".log")
}

// ScratchDir returns a unique per-operation scratch directory under tmpDir,
// identified by a caller-supplied unique token (a cuid2, conventionally).
// One directory per suspend/resume/migration operation avoids the collisions
// that shared global temp names would cause between concurrent operations.
func (p *Paths) ScratchDir(token string) string {
	return filepath.Join(p.tmpDir, "vmcore-"+token)
}
