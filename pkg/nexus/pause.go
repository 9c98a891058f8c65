package nexus

import (
	"context"

	"github.com/flowstor/ionexus/pkg/events"
	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/types"
)

// Pause quiesces the nexus for an administrative operation (§4.F
// Pause/Resume, §8 invariant 3). Concurrent pause requests while the nexus
// is Pausing or Paused enqueue a waiter and return once the nexus is next
// paused again; a concurrent pause while Unpausing fails with
// Pause{state: Unpausing}.
//
// Pause runs on the caller's goroutine, like the other Nexus admin
// operations; nothing routes it through the primary reactor. The pause
// state machine uses a dedicated mutex rather than pkg/reactor, because a waiter's wakeup is delivered by a later Resume
// call on a different goroutine and routing both through the same
// single-goroutine reactor would deadlock the waiter against its own
// wakeup.
func (n *Nexus) Pause(ctx context.Context) error {
	n.pauseMu.Lock()
	switch n.pause {
	case types.PauseUnpaused:
		n.pause = types.PausePausing
		n.pauseMu.Unlock()

		// A real implementation would wait here for in-flight I/O to drain;
		// this port's dispatch is already synchronous per call, so there is
		// nothing further to quiesce.

		n.pauseMu.Lock()
		n.pause = types.PausePaused
		n.pauseMu.Unlock()
		events.GlobalBroker().Publish(&events.Event{Type: events.EventNexusPaused, Message: n.name})
		return nil

	case types.PausePausing, types.PausePaused:
		waiter := make(chan struct{})
		n.waiters = append(n.waiters, waiter)
		n.pauseMu.Unlock()

		select {
		case <-waiter:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case types.PauseUnpausing:
		n.pauseMu.Unlock()
		return ioerr.New(ioerr.PauseInUnpausing, n.name)

	default:
		n.pauseMu.Unlock()
		return ioerr.New(ioerr.InvalidArgument, "unknown pause state")
	}
}

// Resume drains exactly one waiter (keeping the nexus Paused) or, if none
// remain, transitions Paused -> Unpausing -> Unpaused.
func (n *Nexus) Resume(ctx context.Context) error {
	n.pauseMu.Lock()
	if n.pause != types.PausePaused {
		n.pauseMu.Unlock()
		return nil
	}

	if len(n.waiters) > 0 {
		w := n.waiters[0]
		n.waiters = n.waiters[1:]
		n.pauseMu.Unlock()
		close(w)
		return nil
	}

	n.pause = types.PauseUnpausing
	n.pauseMu.Unlock()

	// Symmetric with Pause: nothing further to un-quiesce in this model.

	n.pauseMu.Lock()
	n.pause = types.PauseUnpaused
	n.pauseMu.Unlock()
	events.GlobalBroker().Publish(&events.Event{Type: events.EventNexusResumed, Message: n.name})
	return nil
}
