package qemu

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// Port ranges from spec.md section 6.
const (
	migrationPortLow  = 19000
	migrationPortHigh = 20000 // exclusive

	vncPortBase = 5900 // advertised port = internal index + vncPortBase

	debugConsolePortBase = 10000
)

// portAllocators owns the three independent pools named in spec.md: the
// migration port (randomized, released back to the pool), the VNC port
// (monotonic smallest-free, externally offset by +5900), and the debug
// console port (monotonic counter, never recycled).
type portAllocators struct {
	mu sync.Mutex

	migrationInUse map[int]bool

	vncInUse map[int]bool // indices, before +5900 offset

	nextDebugConsolePort int
}

func newPortAllocators() *portAllocators {
	return &portAllocators{
		migrationInUse:       make(map[int]bool),
		vncInUse:             make(map[int]bool),
		nextDebugConsolePort: debugConsolePortBase,
	}
}

// leaseMigrationPort picks a random free port in [19000,20000), verifying
// with a direct connect probe (portListening) rather than shelling out to netstat
// (REDESIGN FLAG). It retries a bounded number of times before falling back
// to a linear scan, mirroring lib/network/allocate.go's random-then-
// sequential pattern.
func (p *portAllocators) leaseMigrationPort() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	const randomAttempts = 32
	span := migrationPortHigh - migrationPortLow

	for i := 0; i < randomAttempts; i++ {
		port := migrationPortLow + rand.Intn(span)
		if p.migrationInUse[port] {
			continue
		}
		if !portListening(port) {
			p.migrationInUse[port] = true
			return port, nil
		}
	}

	for port := migrationPortLow; port < migrationPortHigh; port++ {
		if p.migrationInUse[port] {
			continue
		}
		if !portListening(port) {
			p.migrationInUse[port] = true
			return port, nil
		}
	}

	return 0, fmt.Errorf("no free migration port in [%d,%d)", migrationPortLow, migrationPortHigh)
}

// releaseMigrationPort returns a port to the pool once the receiving side's
// transfer has completed.
func (p *portAllocators) releaseMigrationPort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.migrationInUse, port)
}

// leaseVNCPort returns the smallest currently-unused VNC index, advertised
// externally as index+5900.
func (p *portAllocators) leaseVNCPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := 0
	for p.vncInUse[idx] {
		idx++
	}
	p.vncInUse[idx] = true
	return idx
}

func (p *portAllocators) releaseVNCPort(idx int) {
	if idx < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.vncInUse, idx)
}

// leaseDebugConsolePort returns the next monotonically increasing port.
// Debug console ports are never recycled, matching the original's
// behavior -- a long-lived node manager will eventually exhaust the
// uint16 space, but debug consoles are an operator-invoked rarity.
func (p *portAllocators) leaseDebugConsolePort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.nextDebugConsolePort
	p.nextDebugConsolePort++
	return port
}

// portListening performs a direct connect-probe instead of shelling out to
// `netstat` (REDESIGN FLAG). A successful Dial means something is already
// listening there; a refused/timeout connection means the port is free.
func portListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
