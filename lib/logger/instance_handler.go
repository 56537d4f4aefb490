package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// VMLogHandler wraps an slog.Handler and additionally writes any log record
// carrying a "vmId" attribute to that VM's own log file, so an operator can
// tail one VM's history without grepping the daemon-wide stream.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type VMLogHandler struct {
	slog.Handler
	logPathFunc func(vmId int) string // returns the path to a VM's log file
	state       *sharedState          // shared across all handlers derived via WithAttrs/WithGroup
}

// sharedState holds state that must be shared across all handler instances
// derived from the same parent via WithAttrs/WithGroup.
type sharedState struct {
	mu        sync.Mutex
	fileCache map[int]*os.File
}

// NewVMLogHandler creates a new handler that wraps the given handler and
// additionally writes vmId-tagged records to a per-VM log file.
func NewVMLogHandler(wrapped slog.Handler, logPathFunc func(vmId int) string) *VMLogHandler {
	return &VMLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
		state: &sharedState{
			fileCache: make(map[int]*os.File),
		},
	}
}

func (h *VMLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var vmId int
	var found bool
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "vmId" {
			vmId = int(a.Value.Int64())
			found = true
			return false
		}
		return true
	})

	if found {
		h.writeToVMLog(vmId, r)
	}

	return nil
}

func (h *VMLogHandler) writeToVMLog(vmId int, r slog.Record) {
	logPath := h.logPathFunc(vmId)
	if logPath == "" {
		return
	}

	timestamp := r.Time.Format(time.RFC3339)
	level := r.Level.String()
	msg := r.Message

	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "vmId" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	line := fmt.Sprintf("%s %s %s", timestamp, level, msg)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[vmId]
	if !ok {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return
		}

		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		h.state.fileCache[vmId] = f
	}

	f.WriteString(line)
}

func (h *VMLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

func (h *VMLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &VMLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

func (h *VMLogHandler) WithGroup(name string) slog.Handler {
	return &VMLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

// CloseVMLog closes and removes a cached file handle for a VM. Call this
// from the Reaper once a VM's info file has been unlinked and any
// diagnostics have been dumped.
func (h *VMLogHandler) CloseVMLog(vmId int) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if f, ok := h.state.fileCache[vmId]; ok {
		f.Close()
		delete(h.state.fileCache, vmId)
	}
}

// CloseAll closes all cached file handles. Call this during shutdown.
func (h *VMLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	for id, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, id)
	}
}
