package qemu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// ptyRedirectMarker is the fixed substring QEMU writes to stderr right
// before the monitor pty's slave path when started with "-monitor pty".
const ptyRedirectMarker = "char device redirected to "

// spawnResult carries everything the lifecycle layer needs after a
// successful fork/exec: the running process, the discovered monitor pty
// path, and the open monitor fd ready for dialogue.
type spawnResult struct {
	cmd       *exec.Cmd
	ptyPath   string
	monitorFd *os.File
}

// spawnQemu forks and execs QEMU with argv, waits for it to announce its
// monitor pty on stderr, and opens that pty. If anything fails after the
// fork, the child process and any already-open fds are torn down before
// returning (grounded on hypeman's process.go gvisor/cleanup rollback
// pattern).
func spawnQemu(ctx context.Context, qemuBin string, argv []string, stderrLogPath string) (_ *spawnResult, err error) {
	cmd := exec.Command(qemuBin, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	logFile, err := os.OpenFile(stderrLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open diagnostic stderr log %s: %w", stderrLogPath, err)
	}
	defer logFile.Close()

	c := cleanup.Make(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	})
	defer c.Clean()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start qemu: %w", vmcontrol.ErrStartupFailed, err)
	}

	stderrReader := bufio.NewReader(stderrPipe)
	ptyPath, err := scanForPtyPath(stderrReader, logFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vmcontrol.ErrStartupFailed, err)
	}

	monitorFd, err := openMonitor(ptyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vmcontrol.ErrStartupFailed, err)
	}

	// Drain the initial banner + first prompt before anyone issues a command.
	if _, err := consumeUntil(monitorFd, monitorPrompt, 10*time.Second); err != nil {
		monitorFd.Close()
		return nil, fmt.Errorf("%w: waiting for initial monitor prompt: %w", vmcontrol.ErrStartupFailed, err)
	}

	c.Release()

	// Continue copying the remainder of QEMU's stderr to the diagnostic log
	// for the life of the process, off the critical path. Reuses
	// stderrReader so none of scanForPtyPath's buffered-but-unconsumed
	// bytes are lost.
	go func() {
		logFd, err := os.OpenFile(stderrLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		defer logFd.Close()
		_, _ = io.Copy(logFd, stderrReader)
	}()

	return &spawnResult{cmd: cmd, ptyPath: ptyPath, monitorFd: monitorFd}, nil
}

// scanForPtyPath reads lines from stderr until it finds the
// "char device redirected to " marker QEMU emits for "-monitor pty", also
// teeing every line read to diagLog for postmortem use.
func scanForPtyPath(stderr *bufio.Reader, diagLog *os.File) (string, error) {
	for {
		line, err := stderr.ReadString('\n')
		if line != "" {
			fmt.Fprint(diagLog, line)
			if idx := strings.Index(line, ptyRedirectMarker); idx >= 0 {
				path := strings.TrimSpace(line[idx+len(ptyRedirectMarker):])
				if path != "" {
					return path, nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("qemu exited before announcing monitor pty")
			}
			return "", fmt.Errorf("scan qemu stderr: %w", err)
		}
	}
}

// killProcess delivers SIGKILL to pid's process group. It does not wait for
// or reap the process; the Reaper observes the death. DestroyVM is its only
// caller.
func killProcess(pid int) error {
	// Negative pid targets the whole process group, matching cmd.SysProcAttr's
	// Setpgid: true -- QEMU's own helper children die with it.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	return nil
}
