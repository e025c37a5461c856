// Package supervisor implements the Supervisor (spec.md §4.9, C9):
// fault-isolated start/stop of N components with independent restart
// policies and a periodic health sweep. Grounded on the teacher's
// pkg/recovery/recovery.go (strategy-driven recovery) and
// internal/health/monitor.go (periodic health loop + component registry),
// adapted from ObjectFS's storage-backend components to Fustor's pipes.
// Concurrency uses golang.org/x/sync/errgroup purely as a wait-for-all
// primitive: per spec.md §4.9, a failing component must never cancel its
// siblings, so every goroutine absorbs its own error into the result slice
// and always returns nil to the group.
package supervisor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/fustor/internal/logging"
)

// RestartPolicy governs how the Supervisor reacts to an unhealthy component.
type RestartPolicy int

const (
	Never RestartPolicy = iota
	OnFailure
	Always
)

// State is a component's supervised lifecycle state.
type State int

const (
	StatePending State = iota
	StateRunning
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateDegraded:
		return "DEGRADED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Component is one supervised unit: an Agent Pipe, a Fusion Pipe, or any
// other long-lived task the host process wants fault-isolated.
type Component struct {
	ID            string
	Start         func(ctx context.Context) error
	Stop          func(ctx context.Context) error
	IsHealthy     func() bool
	RestartPolicy RestartPolicy
	MaxRestarts   int
}

// Result is returned from StartAll/StopAll for one component.
type Result struct {
	ComponentID string
	Success     bool
	Err         error
}

type componentState struct {
	comp         Component
	state        State
	restartCount int
	cancel       context.CancelFunc
}

// Supervisor registers and runs N components (spec.md §4.9).
type Supervisor struct {
	mu         sync.Mutex
	components map[string]*componentState
	log        *logging.Logger

	healthInterval time.Duration
	healthStopCh   chan struct{}
	healthDoneCh   chan struct{}
}

// New creates a Supervisor with the given health-check cadence.
func New(healthInterval time.Duration) *Supervisor {
	if healthInterval <= 0 {
		healthInterval = 5 * time.Second
	}
	return &Supervisor{
		components:     make(map[string]*componentState),
		log:            logging.New(logging.DefaultConfig()).Component("supervisor"),
		healthInterval: healthInterval,
	}
}

// Register adds a component. Must be called before StartAll.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[c.ID] = &componentState{comp: c, state: StatePending}
}

// StartAll attempts to start every registered component concurrently. One
// component's failure is recorded in its Result but never cancels the
// others (spec.md §4.9).
func (s *Supervisor) StartAll(ctx context.Context) []Result {
	s.mu.Lock()
	ids := make([]string, 0, len(s.components))
	for id := range s.components {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	results := make([]Result, len(ids))
	var g errgroup.Group // no WithContext: failures must not cancel siblings
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = s.startOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	s.startHealthLoop()
	return results
}

func (s *Supervisor) startOne(ctx context.Context, id string) Result {
	s.mu.Lock()
	cs, ok := s.components[id]
	s.mu.Unlock()
	if !ok {
		return Result{ComponentID: id, Success: false, Err: errComponentUnknown(id)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	cs.cancel = cancel
	s.mu.Unlock()

	err := cs.comp.Start(runCtx)
	s.mu.Lock()
	if err != nil {
		cs.state = StateDegraded
	} else {
		cs.state = StateRunning
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("component failed to start", logging.F("component", id), logging.F("error", err.Error()))
		return Result{ComponentID: id, Success: false, Err: err}
	}
	return Result{ComponentID: id, Success: true}
}

// StopAll cancels the health loop, then stops every component concurrently,
// absorbing per-component errors.
func (s *Supervisor) StopAll(ctx context.Context) []Result {
	s.stopHealthLoop()

	s.mu.Lock()
	ids := make([]string, 0, len(s.components))
	for id := range s.components {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	results := make([]Result, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = s.stopOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Supervisor) stopOne(ctx context.Context, id string) Result {
	s.mu.Lock()
	cs, ok := s.components[id]
	s.mu.Unlock()
	if !ok {
		return Result{ComponentID: id, Success: false, Err: errComponentUnknown(id)}
	}

	var err error
	if cs.comp.Stop != nil {
		err = cs.comp.Stop(ctx)
	}
	if cs.cancel != nil {
		cs.cancel()
	}
	s.mu.Lock()
	cs.state = StateStopped
	s.mu.Unlock()

	if err != nil {
		return Result{ComponentID: id, Success: false, Err: err}
	}
	return Result{ComponentID: id, Success: true}
}

// State returns a component's current supervised state.
func (s *Supervisor) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.components[id]
	if !ok {
		return StatePending, false
	}
	return cs.state, true
}

func (s *Supervisor) startHealthLoop() {
	s.mu.Lock()
	if s.healthStopCh != nil {
		s.mu.Unlock()
		return
	}
	s.healthStopCh = make(chan struct{})
	s.healthDoneCh = make(chan struct{})
	stopCh := s.healthStopCh
	doneCh := s.healthDoneCh
	s.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(s.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.healthCheckOnce()
			}
		}
	}()
}

func (s *Supervisor) stopHealthLoop() {
	s.mu.Lock()
	stopCh := s.healthStopCh
	doneCh := s.healthDoneCh
	s.healthStopCh = nil
	s.healthDoneCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// healthCheckOnce implements the RUNNING -> DEGRADED -> restart cycle.
func (s *Supervisor) healthCheckOnce() {
	s.mu.Lock()
	snapshot := make([]*componentState, 0, len(s.components))
	for _, cs := range s.components {
		snapshot = append(snapshot, cs)
	}
	s.mu.Unlock()

	for _, cs := range snapshot {
		s.mu.Lock()
		state := cs.state
		healthy := cs.comp.IsHealthy == nil || cs.comp.IsHealthy()
		s.mu.Unlock()

		if state != StateRunning || healthy {
			continue
		}

		s.mu.Lock()
		cs.state = StateDegraded
		policy := cs.comp.RestartPolicy
		canRestart := policy != Never && (policy == Always || policy == OnFailure) && cs.restartCount < cs.comp.MaxRestarts
		s.mu.Unlock()

		s.log.Warn("component unhealthy", logging.F("component", cs.comp.ID))

		if !canRestart {
			s.log.Error("component restarts exhausted, leaving degraded", logging.F("component", cs.comp.ID))
			continue
		}

		s.restartOne(cs)
	}
}

func (s *Supervisor) restartOne(cs *componentState) {
	ctx := context.Background()
	if cs.comp.Stop != nil {
		_ = cs.comp.Stop(ctx)
	}
	if cs.cancel != nil {
		cs.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	cs.cancel = cancel
	cs.restartCount++
	s.mu.Unlock()

	if err := cs.comp.Start(runCtx); err != nil {
		s.mu.Lock()
		cs.state = StateDegraded
		s.mu.Unlock()
		s.log.Error("restart failed", logging.F("component", cs.comp.ID), logging.F("error", err.Error()))
		return
	}
	s.mu.Lock()
	cs.state = StateRunning
	s.mu.Unlock()
}

type unknownComponentError struct{ id string }

func (e *unknownComponentError) Error() string { return "supervisor: unknown component " + e.id }

func errComponentUnknown(id string) error { return &unknownComponentError{id: id} }

// Diff computes the added/removed pipe IDs between two enabled-pipe-ID sets,
// used by SIGHUP-triggered config reload (spec.md §6, supplemented from
// original_source's agent host reload path).
func Diff(old, new []string) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(old))
	for _, id := range old {
		oldSet[id] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(new))
	for _, id := range new {
		newSet[id] = struct{}{}
	}
	for id := range newSet {
		if _, ok := oldSet[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range oldSet {
		if _, ok := newSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
