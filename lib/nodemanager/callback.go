// Package nodemanager provides a default vmcontrol.NodeManagerCallback that
// logs state transitions, for use by standalone deployments or tests where
// no external cluster manager is wired in.
package nodemanager

import (
	"context"

	"github.com/tashi-project/vmcore/lib/logger"
	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// LoggingCallback logs every VM state transition it receives and never
// errors, so it never blocks the Reaper that invokes it.
type LoggingCallback struct{}

var _ vmcontrol.NodeManagerCallback = LoggingCallback{}

// VMStateChange logs the transition at info level.
func (LoggingCallback) VMStateChange(ctx context.Context, vmId int, fromState *vmcontrol.VMState, toState vmcontrol.VMState) error {
	log := logger.FromContext(ctx)
	from := "unknown"
	if fromState != nil {
		from = string(*fromState)
	}
	log.InfoContext(ctx, "vm state change", "vmId", vmId, "from", from, "to", string(toState))
	return nil
}
