package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeComponent is a supervised component whose health and start/stop
// behavior is driven entirely by test code, grounded on
// internal/circuit/breaker_test.go's pattern of injecting fake state
// instead of driving a real dependency.
type fakeComponent struct {
	mu       sync.Mutex
	started  int
	stopped  int
	healthy  bool
	startErr error
}

func (f *fakeComponent) start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.startErr != nil {
		return f.startErr
	}
	f.healthy = true
	return nil
}

func (f *fakeComponent) stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.healthy = false
	return nil
}

func (f *fakeComponent) isHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeComponent) setHealthy(h bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = h
}

func (f *fakeComponent) snapshot() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

func TestStartAllIsolatesOneComponentsFailureFromOthers(t *testing.T) {
	s := New(time.Hour) // health loop never fires during this test

	good := &fakeComponent{}
	bad := &fakeComponent{startErr: assertErr}

	s.Register(Component{ID: "good", Start: good.start, Stop: good.stop, IsHealthy: good.isHealthy})
	s.Register(Component{ID: "bad", Start: bad.start, Stop: bad.stop, IsHealthy: bad.isHealthy})

	results := s.StartAll(context.Background())
	t.Cleanup(func() { s.StopAll(context.Background()) })

	require.Len(t, results, 2)
	byID := map[string]Result{}
	for _, r := range results {
		byID[r.ComponentID] = r
	}
	assert.True(t, byID["good"].Success)
	assert.False(t, byID["bad"].Success)
	assert.Error(t, byID["bad"].Err)

	state, ok := s.State("good")
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)

	state, ok = s.State("bad")
	require.True(t, ok)
	assert.Equal(t, StateDegraded, state)
}

func TestStopAllStopsEveryRegisteredComponent(t *testing.T) {
	s := New(time.Hour)

	a := &fakeComponent{}
	b := &fakeComponent{}
	s.Register(Component{ID: "a", Start: a.start, Stop: a.stop, IsHealthy: a.isHealthy})
	s.Register(Component{ID: "b", Start: b.start, Stop: b.stop, IsHealthy: b.isHealthy})

	s.StartAll(context.Background())
	s.StopAll(context.Background())

	_, stoppedA := a.snapshot()
	_, stoppedB := b.snapshot()
	assert.Equal(t, 1, stoppedA)
	assert.Equal(t, 1, stoppedB)

	state, ok := s.State("a")
	require.True(t, ok)
	assert.Equal(t, StateStopped, state)
}

func TestHealthSweepRestartsUnhealthyComponentUnderOnFailurePolicy(t *testing.T) {
	s := New(10 * time.Millisecond)

	comp := &fakeComponent{}
	s.Register(Component{
		ID:            "flaky",
		Start:         comp.start,
		Stop:          comp.stop,
		IsHealthy:     comp.isHealthy,
		RestartPolicy: OnFailure,
		MaxRestarts:   3,
	})

	s.StartAll(context.Background())
	t.Cleanup(func() { s.StopAll(context.Background()) })

	comp.setHealthy(false)

	require.Eventually(t, func() bool {
		started, _ := comp.snapshot()
		return started >= 2
	}, time.Second, 5*time.Millisecond)

	state, ok := s.State("flaky")
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)
}

func TestHealthSweepLeavesComponentDegradedOnceRestartsExhausted(t *testing.T) {
	s := New(10 * time.Millisecond)

	comp := &fakeComponent{}
	s.Register(Component{
		ID:            "exhausted",
		Start:         comp.start,
		Stop:          comp.stop,
		IsHealthy:     comp.isHealthy,
		RestartPolicy: OnFailure,
		MaxRestarts:   0,
	})

	s.StartAll(context.Background())
	t.Cleanup(func() { s.StopAll(context.Background()) })

	comp.setHealthy(false)

	require.Eventually(t, func() bool {
		state, _ := s.State("exhausted")
		return state == StateDegraded
	}, time.Second, 5*time.Millisecond)

	started, _ := comp.snapshot()
	assert.Equal(t, 1, started, "MaxRestarts=0 must never trigger a restart attempt")
}

func TestNeverRestartPolicyLeavesComponentDegraded(t *testing.T) {
	s := New(10 * time.Millisecond)

	comp := &fakeComponent{}
	s.Register(Component{
		ID:            "static",
		Start:         comp.start,
		Stop:          comp.stop,
		IsHealthy:     comp.isHealthy,
		RestartPolicy: Never,
		MaxRestarts:   5,
	})

	s.StartAll(context.Background())
	t.Cleanup(func() { s.StopAll(context.Background()) })

	comp.setHealthy(false)
	time.Sleep(50 * time.Millisecond)

	started, _ := comp.snapshot()
	assert.Equal(t, 1, started)
}

func TestDiffReportsAddedAndRemovedPipeIDs(t *testing.T) {
	added, removed := Diff([]string{"p1", "p2"}, []string{"p2", "p3"})
	assert.ElementsMatch(t, []string{"p3"}, added)
	assert.ElementsMatch(t, []string{"p1"}, removed)
}

func TestStateOfUnknownComponentIsNotOK(t *testing.T) {
	s := New(time.Hour)
	_, ok := s.State("nope")
	assert.False(t, ok)
}

type startFailure struct{}

func (startFailure) Error() string { return "fake start failure" }

var assertErr = startFailure{}
