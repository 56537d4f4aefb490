package qemu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tashi-project/vmcore/lib/logger"
	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// monitorPrompt is QEMU's legacy text-monitor prompt.
const monitorPrompt = "(qemu) "

// ptyReader is the minimal surface monitor.go needs from the open monitor
// PTY device (see openMonitor); satisfied by *os.File and by fakes in tests.
type ptyReader interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// consumeUntil reads byte-at-a-time from f until needle has been seen in
// the accumulated buffer or timeout elapses, mirroring the source's
// consumeUntil/consumeAvailable pair. Returns everything read, including
// the needle.
//
// Byte-at-a-time is deliberate: QEMU's monitor is a low-throughput
// human-oriented REPL and the source relies on not over-reading past the
// prompt into the start of an unrelated subsequent reply.
func consumeUntil(f ptyReader, needle string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var buf bytes.Buffer
	one := make([]byte, 1)

	type readResult struct {
		n   int
		err error
	}

	for {
		if time.Now().After(deadline) {
			return buf.Bytes(), fmt.Errorf("%w: waiting for %q", vmcontrol.ErrMonitorTimeout, needle)
		}

		resultCh := make(chan readResult, 1)
		go func() {
			n, err := f.Read(one)
			resultCh <- readResult{n, err}
		}()

		select {
		case res := <-resultCh:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return buf.Bytes(), fmt.Errorf("%w", vmcontrol.ErrMonitorEarlyEOF)
				}
				return buf.Bytes(), fmt.Errorf("read monitor fd: %w", res.err)
			}
			if res.n > 0 {
				buf.Write(one[:res.n])
				if strings.Contains(buf.String(), needle) {
					return buf.Bytes(), nil
				}
			}
		case <-time.After(time.Until(deadline)):
			return buf.Bytes(), fmt.Errorf("%w: waiting for %q", vmcontrol.ErrMonitorTimeout, needle)
		}
	}
}

// enterCommand serializes one command dialogue against vmId's monitor fd:
// write cmd+"\n", then (if expectPrompt) read until the next "(qemu) "
// prompt. Only one command may be in flight per VM at a time (spec.md's
// invariant), enforced by r.mu.
func (q *Qemu) enterCommand(ctx context.Context, r *vmRecord, monitorFd ptyReader, cmd string, expectPrompt bool, timeout time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logger.FromContext(ctx).With("vmId", r.VmId, "cmd", cmd)
	log.DebugContext(ctx, "entering monitor command")

	if _, err := monitorFd.Write([]byte(cmd + "\n")); err != nil {
		r.ErrorBit = true
		q.recordMonitorError(ctx, "write")
		return "", fmt.Errorf("write monitor command %q to vm %d: %w", cmd, r.VmId, err)
	}

	if !expectPrompt {
		q.appendMonitorHistory(r, []byte(cmd+"\n"))
		return "", nil
	}

	reply, err := consumeUntil(monitorFd, monitorPrompt, timeout)
	q.appendMonitorHistory(r, append([]byte(cmd+"\n"), reply...))
	if err != nil {
		r.ErrorBit = true
		q.recordMonitorError(ctx, "read")
		return string(reply), err
	}

	return string(reply), nil
}

// appendMonitorHistory appends to the bounded monitor-history ring
// (REDESIGN FLAG: the original grew this list without bound). Oldest bytes
// are dropped once the configured limit is exceeded.
func (q *Qemu) appendMonitorHistory(r *vmRecord, b []byte) {
	r.MonitorHistory = append(r.MonitorHistory, b...)
	limit := q.cfg.MonitorHistoryLimit
	if limit > 0 && len(r.MonitorHistory) > limit {
		r.MonitorHistory = r.MonitorHistory[len(r.MonitorHistory)-limit:]
	}
}

// openMonitor opens the PTY slave device discovered on QEMU's stderr. A
// plain os.OpenFile is sufficient and correct here: unlike creack/pty
// (which allocates a *new* pty pair), this core only ever needs to open an
// *existing* slave device path that QEMU itself already allocated.
func openMonitor(ptyPath string) (*os.File, error) {
	f, err := os.OpenFile(ptyPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open monitor pty %s: %w", ptyPath, err)
	}
	return f, nil
}
