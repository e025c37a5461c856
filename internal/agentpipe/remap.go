package agentpipe

import (
	"github.com/objectfs/fustor/internal/eventbus"
	"github.com/objectfs/fustor/internal/logging"
)

// RemapToNewBus implements spec.md §4.6 "Remap (bus migration)": swap the
// pipe's bus reference atomically, and when needed_position_lost is true,
// force a resnapshot because the new bus can no longer serve the position
// this pipe was reading from. A quiet migration (needed_position_lost ==
// false) touches no other state — the data supervisor keeps consuming
// from wherever it already was, just against the new bus.
//
// remap_to_new_bus(B, false) called twice is equivalent to calling it once
// (spec.md §8 property 9): the only state this mutates on the false path
// is the bus pointer itself, and both calls set it to the same value.
func (p *Pipe) RemapToNewBus(newBus *eventbus.Bus, neededPositionLost bool) {
	p.bus.Store(newBus)

	if !neededPositionLost {
		return
	}

	p.log.Warn("bus remap lost required position, forcing resnapshot", logging.F("bus_id", newBus.ID()))
	p.state.SetBit(Reconnecting)

	p.mu.Lock()
	p.snapshotDone = false
	p.busEpoch++
	p.mu.Unlock()

	// If message_sync is currently running it observes snapshotDone reset
	// to false on its next flush tick and returns without sending its
	// buffered rows; the data supervisor's next driveDataPlane pass then
	// runs snapshotSync. There is no separate task handle to cancel here
	// (spec.md: "If the task is already done, skip cancellation").
	p.state.ClearBit(Reconnecting)
}

// CurrentBus returns the pipe's currently active event bus, or nil if the
// pipe is not bus-backed (direct source iteration).
func (p *Pipe) CurrentBus() *eventbus.Bus {
	b, _ := p.bus.Load().(*eventbus.Bus)
	return b
}
