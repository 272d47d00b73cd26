package consistency

import (
	"context"
	"fmt"

	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
)

// Signal names accepted by Signal.
const (
	SignalOnline  = "online"
	SignalOffline = "offline"
	SignalHidden  = "hidden"
	SignalVisible = "visible"
	SignalUnload  = "unload"
)

// NetworkOffline takes emergency checkpoints of running operations and marks
// remotely sourced data as unknown.
func (r *Registry) NetworkOffline() {
	r.Operations.HandleOffline()
	r.Freshness.HandleOffline()
}

// NetworkOnline detects resumable operations and refreshes expired data. It
// returns the number of entries refreshed.
func (r *Registry) NetworkOnline(ctx context.Context) int {
	r.Operations.HandleOnline()
	return r.Freshness.HandleOnline(ctx)
}

// PageHidden checkpoints every running operation.
func (r *Registry) PageHidden() {
	r.Operations.HandleHidden()
}

// PageVisible re-detects resumable operations and refreshes stale data.
func (r *Registry) PageVisible(ctx context.Context) int {
	r.Operations.HandleVisible()
	return r.Freshness.HandleVisible(ctx)
}

// PageUnload takes emergency checkpoints before the host goes away.
func (r *Registry) PageUnload() {
	r.Operations.HandleUnload()
}

// Signal dispatches a lifecycle signal by name.
func (r *Registry) Signal(ctx context.Context, name string) error {
	switch name {
	case SignalOnline:
		r.NetworkOnline(ctx)
	case SignalOffline:
		r.NetworkOffline()
	case SignalHidden:
		r.PageHidden()
	case SignalVisible:
		r.PageVisible(ctx)
	case SignalUnload:
		r.PageUnload()
	default:
		return errors.NewValidationError(errors.Op("signal"), string(logging.ComponentRegistry),
			fmt.Errorf("unknown signal %q", name))
	}
	return nil
}
