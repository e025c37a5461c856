package agentpipe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fustor/internal/eventbus"
	"github.com/objectfs/fustor/pkg/wire"
)

// fakeSource is a minimal Source that emits a fixed row set once per
// iterator call, then closes.
type fakeSource struct {
	snapshotRows []wire.Row
	messageRows  []wire.Row
}

func (f *fakeSource) SnapshotRows(ctx context.Context) (<-chan wire.Row, <-chan error) {
	rows := make(chan wire.Row, len(f.snapshotRows))
	errs := make(chan error, 1)
	for _, r := range f.snapshotRows {
		rows <- r
	}
	close(rows)
	close(errs)
	return rows, errs
}

func (f *fakeSource) MessageRows(ctx context.Context, startPosition int64) (<-chan wire.Row, <-chan error) {
	rows := make(chan wire.Row, len(f.messageRows))
	errs := make(chan error, 1)
	for _, r := range f.messageRows {
		rows <- r
	}
	close(rows)
	close(errs)
	return rows, errs
}

func (f *fakeSource) AuditRows(ctx context.Context) (<-chan wire.Row, <-chan error) {
	rows := make(chan wire.Row)
	errs := make(chan error)
	close(rows)
	close(errs)
	return rows, errs
}

func (f *fakeSource) PerformSentinelCheck(ctx context.Context, expected map[string]float64) ([]wire.SentinelUpdate, error) {
	return nil, nil
}

// fakeSender is a minimal Sender that records sent batches and returns a
// scripted role on create/heartbeat.
type fakeSender struct {
	mu      sync.Mutex
	role    wire.Role
	batches []wire.Batch
	closed  bool
}

func (f *fakeSender) CreateSession(ctx context.Context, req wire.CreateSessionRequest) (wire.SessionInfo, error) {
	return wire.SessionInfo{SessionID: "sess-1", Role: f.role, SessionTimeoutSeconds: 30}, nil
}

func (f *fakeSender) Heartbeat(ctx context.Context, sessionID string, canRealtime bool) (wire.HeartbeatReply, error) {
	return wire.HeartbeatReply{Status: wire.HeartbeatOK, Role: f.role}, nil
}

func (f *fakeSender) SendBatch(ctx context.Context, sessionID string, batch wire.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) Close(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) SignalAuditStart(ctx context.Context, sessionID string) error { return nil }
func (f *fakeSender) SignalAuditEnd(ctx context.Context, sessionID string) error   { return nil }
func (f *fakeSender) GetSentinelTasks(ctx context.Context, sessionID string) (wire.SentinelTasks, error) {
	return wire.SentinelTasks{}, nil
}
func (f *fakeSender) SubmitSentinelResults(ctx context.Context, sessionID string, feedback wire.SentinelFeedback) error {
	return nil
}
func (f *fakeSender) GetLatestCommittedIndex(ctx context.Context, sessionID string) (int64, error) {
	return 0, nil
}

func (f *fakeSender) Batches() []wire.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Batch, len(f.batches))
	copy(out, f.batches)
	return out
}

func TestPipeStartFollowerStandby(t *testing.T) {
	sender := &fakeSender{role: wire.RoleFollower}
	p := New(DefaultConfig("pipe1"), &fakeSource{}, sender, nil, nil)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	assert.True(t, p.State().Has(Running))
	assert.True(t, p.State().Has(Paused))
}

func TestPipeLeaderRunsSnapshotThenMessage(t *testing.T) {
	sender := &fakeSender{role: wire.RoleLeader}
	source := &fakeSource{
		snapshotRows: []wire.Row{{"path": "/a", "is_directory": true}},
		messageRows:  []wire.Row{{"path": "/b", "is_directory": false}},
	}
	cfg := DefaultConfig("pipe1")
	cfg.ControlLoopInterval = 5 * time.Millisecond
	p := New(cfg, source, sender, nil, nil)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	require.Eventually(t, func() bool {
		for _, b := range sender.Batches() {
			if b.SourceType == wire.SourceSnapshot && b.IsEnd {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPipeStopIsIdempotent(t *testing.T) {
	sender := &fakeSender{role: wire.RoleFollower}
	p := New(DefaultConfig("pipe1"), &fakeSource{}, sender, nil, nil)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, sender.closed)
}

func TestRemapToNewBusQuietMigrationPreservesState(t *testing.T) {
	sender := &fakeSender{role: wire.RoleLeader}
	p := New(DefaultConfig("pipe1"), &fakeSource{}, sender, nil, nil)
	p.mu.Lock()
	p.snapshotDone = true
	p.mu.Unlock()

	bus := eventbus.New("bus1")
	p.RemapToNewBus(bus, false)

	assert.Same(t, bus, p.CurrentBus())
	p.mu.Lock()
	assert.True(t, p.snapshotDone, "quiet migration must not touch snapshot state")
	p.mu.Unlock()
}

func TestRemapToNewBusPositionLostForcesResnapshot(t *testing.T) {
	sender := &fakeSender{role: wire.RoleLeader}
	p := New(DefaultConfig("pipe1"), &fakeSource{}, sender, nil, nil)
	p.mu.Lock()
	p.snapshotDone = true
	p.mu.Unlock()

	bus := eventbus.New("bus1")
	p.RemapToNewBus(bus, true)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.False(t, p.snapshotDone)
}

func TestRemapToNewBusTwiceQuietIsIdempotent(t *testing.T) {
	sender := &fakeSender{role: wire.RoleLeader}
	p := New(DefaultConfig("pipe1"), &fakeSource{}, sender, nil, nil)

	busA := eventbus.New("busA")
	p.RemapToNewBus(busA, false)
	p.RemapToNewBus(busA, false)

	assert.Same(t, busA, p.CurrentBus())
}
