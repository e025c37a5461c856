// Package agentpipe implements the Agent Pipe (spec.md §4.6, C6): the
// hardest piece of the core. A Pipe drives one (source, sender) pair
// through discover-role -> snapshot -> message -> audit/sentinel phases
// under four supervised tasks, isolating control-plane failures from
// data-plane ones. Grounded in shape on the teacher's state-machine-plus-
// supervised-goroutines idiom (internal/distributed/cluster.go's run loop,
// internal/circuit/breaker.go's state transitions) and in algorithm on
// original_source/agent/tests/runtime (test_agent_pipe_lifecycle.py's
// phase transitions, test_control_data_isolation.py's control/data error
// separation, test_agent_pipe_remap.py's bus-remap handling, and
// test_agent_pipe_command_advanced.py's command dispatch).
package agentpipe

import "sync/atomic"

// State is a bitflag set over spec.md §3's Pipe state enumeration, plus
// SENTINEL_SWEEP for the sentinel sub-phase (spec.md §4.6).
type State uint32

const (
	Stopped State = 1 << iota
	Running
	Paused
	SnapshotSync
	MessageSync
	AuditPhase
	Reconnecting
	Error
	SentinelSweep
)

func (s State) Has(bit State) bool { return s&bit != 0 }

func (s State) String() string {
	names := []struct {
		bit  State
		name string
	}{
		{Stopped, "STOPPED"}, {Running, "RUNNING"}, {Paused, "PAUSED"},
		{SnapshotSync, "SNAPSHOT_SYNC"}, {MessageSync, "MESSAGE_SYNC"},
		{AuditPhase, "AUDIT_PHASE"}, {Reconnecting, "RECONNECTING"},
		{Error, "ERROR"}, {SentinelSweep, "SENTINEL_SWEEP"},
	}
	out := ""
	for _, n := range names {
		if s.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// stateBox makes State transitions atomic without a mutex, since many
// goroutines (control/heartbeat/data/command loops) read and flip bits
// concurrently.
type stateBox struct {
	v atomic.Uint32
}

func (b *stateBox) Load() State { return State(b.v.Load()) }

func (b *stateBox) Set(s State) { b.v.Store(uint32(s)) }

func (b *stateBox) SetBit(bit State) {
	for {
		old := b.v.Load()
		next := old | uint32(bit)
		if b.v.CompareAndSwap(old, next) {
			return
		}
	}
}

func (b *stateBox) ClearBit(bit State) {
	for {
		old := b.v.Load()
		next := old &^ uint32(bit)
		if b.v.CompareAndSwap(old, next) {
			return
		}
	}
}
