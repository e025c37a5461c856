package fusionpipe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fustor/internal/clock"
	"github.com/objectfs/fustor/internal/session"
	"github.com/objectfs/fustor/internal/view"
	"github.com/objectfs/fustor/pkg/wire"
)

func newTestPipe(t *testing.T) (*Pipe, *view.View, *session.Registry) {
	t.Helper()
	v := view.New("view1", clock.New())
	sessions := session.NewRegistry("view1")
	p := New("pipe1", v, sessions)
	p.Start()
	t.Cleanup(p.Stop)
	return p, v, sessions
}

func TestCreateSessionAndHeartbeat(t *testing.T) {
	p, _, _ := newTestPipe(t)

	info := p.CreateSession("agent:pipe1", 30)
	require.NotEmpty(t, info.SessionID)
	assert.Equal(t, wire.Role("leader"), info.Role)

	reply := p.Heartbeat(info.SessionID, true)
	assert.Equal(t, wire.HeartbeatOK, reply.Status)
	assert.Equal(t, wire.Role("leader"), reply.Role)
}

func TestHeartbeatUnknownSessionReturnsObsolete(t *testing.T) {
	p, _, _ := newTestPipe(t)
	reply := p.Heartbeat("nonexistent", false)
	assert.Equal(t, wire.HeartbeatObsolete, reply.Status)
}

func TestIngestAppliesEventsInOrder(t *testing.T) {
	p, v, _ := newTestPipe(t)
	info := p.CreateSession("agent:pipe1", 30)

	batch := wire.Batch{
		SourceType: wire.SourceRealtime,
		Events: []wire.Event{{
			EventType:     wire.EventInsert,
			EventSchema:   "fs",
			Table:         "files",
			MessageSource: wire.SourceRealtime,
			Rows: []wire.Row{{
				"path":          "/a.txt",
				"modified_time": 100.0,
				"size":          int64(10),
				"is_directory":  false,
			}},
		}},
	}
	require.NoError(t, p.Ingest(info.SessionID, batch))

	require.Eventually(t, func() bool {
		_, ok := v.GetNode("/a.txt")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestIngestSnapshotEndOnlyHonorsLeader(t *testing.T) {
	p, _, sessions := newTestPipe(t)
	leader := p.CreateSession("agent:leader", 30)
	follower := sessions.CreateSession("agent:follower", 30)

	require.NoError(t, p.Ingest(follower.SessionID, wire.Batch{SourceType: wire.SourceSnapshot, IsEnd: true}))
	assert.False(t, sessions.SnapshotComplete(follower.SessionID))

	require.NoError(t, p.Ingest(leader.SessionID, wire.Batch{SourceType: wire.SourceSnapshot, IsEnd: true}))
	assert.True(t, sessions.SnapshotComplete(leader.SessionID))
}

func TestIngestAuditEndSignalSucceedsRepeatedly(t *testing.T) {
	p, v, _ := newTestPipe(t)
	info := p.CreateSession("agent:pipe1", 30)

	v.HandleAuditStart()
	require.NoError(t, p.Ingest(info.SessionID, wire.Batch{SourceType: wire.SourceAudit, IsEnd: true}))
	// no panic, epoch closed
	require.NoError(t, p.Ingest(info.SessionID, wire.Batch{SourceType: wire.SourceAudit, IsEnd: true}))
}

func TestIngestScanCompleteNeverTouchesTree(t *testing.T) {
	p, v, _ := newTestPipe(t)
	info := p.CreateSession("agent:pipe1", 30)

	var gotSession, gotPath string
	p.scanCompleteHandler = func(sessionID, scanPath string) {
		gotSession, gotPath = sessionID, scanPath
	}

	require.NoError(t, p.Ingest(info.SessionID, wire.ScanCompleteBatch("/scanned", "job-1")))
	assert.Equal(t, info.SessionID, gotSession)
	assert.Equal(t, "/scanned", gotPath)
	_, ok := v.GetNode("/scanned")
	assert.False(t, ok)
}

func TestSignalAuditStartValidatesTaskID(t *testing.T) {
	p, _, _ := newTestPipe(t)
	info := p.CreateSession("agent:pipe1", 30)

	require.NoError(t, p.SignalAuditStart(info.SessionID, "agent:pipe1"))
	require.NoError(t, p.SignalAuditEnd(info.SessionID, "agent:pipe1"))
	require.Error(t, p.SignalAuditStart(info.SessionID, "wrong-task"))
}

func TestSentinelTasksAndFeedback(t *testing.T) {
	p, v, _ := newTestPipe(t)
	info := p.CreateSession("agent:pipe1", 30)

	require.NoError(t, p.Ingest(info.SessionID, wire.Batch{
		SourceType: wire.SourceRealtime,
		Events: []wire.Event{{
			EventType:     wire.EventInsert,
			MessageSource: wire.SourceRealtime,
			Rows: []wire.Row{{
				"path":            "/hot.bin",
				"modified_time":   100.0,
				"size":            int64(1),
				"is_directory":    false,
				"is_atomic_write": false,
			}},
		}},
	}))

	require.Eventually(t, func() bool {
		tasks := p.GetSentinelTasks()
		return len(tasks.Paths) == 1 && tasks.Paths[0] == "/hot.bin"
	}, time.Second, 5*time.Millisecond)

	size := int64(1)
	p.SubmitSentinelResults(wire.SentinelFeedback{Updates: []wire.SentinelUpdate{{Path: "/hot.bin", MTime: 100.0, Size: &size}}})
	_ = v
}

func TestLatestCommittedIndexTracksHighest(t *testing.T) {
	p, _, _ := newTestPipe(t)
	info := p.CreateSession("agent:pipe1", 30)

	require.NoError(t, p.Ingest(info.SessionID, wire.Batch{
		SourceType: wire.SourceRealtime,
		Events: []wire.Event{
			{MessageSource: wire.SourceRealtime, Index: 5, Rows: []wire.Row{{"path": "/a", "is_directory": true}}},
			{MessageSource: wire.SourceRealtime, Index: 12, Rows: []wire.Row{{"path": "/b", "is_directory": true}}},
		},
	}))

	require.Eventually(t, func() bool {
		return p.LatestCommittedIndex(info.SessionID) == 12
	}, time.Second, 5*time.Millisecond)
}

type fakeMetricsRecorder struct {
	mu        sync.Mutex
	received  int
	processed int
	errors    int
	lastDepth int
}

func (f *fakeMetricsRecorder) RecordReceived(pipeID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received += n
}

func (f *fakeMetricsRecorder) RecordProcessed(pipeID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed += n
}

func (f *fakeMetricsRecorder) RecordError(pipeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors++
}

func (f *fakeMetricsRecorder) SetQueueDepth(pipeID string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDepth = depth
}

func (f *fakeMetricsRecorder) snapshot() (received, processed, errors int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received, f.processed, f.errors
}

func TestIngestRecordsMetricsViaInjectedRecorder(t *testing.T) {
	v := view.New("view1", clock.New())
	sessions := session.NewRegistry("view1")
	recorder := &fakeMetricsRecorder{}
	p := New("pipe1", v, sessions, WithMetrics(recorder))
	p.Start()
	t.Cleanup(p.Stop)

	info := p.CreateSession("agent:pipe1", 30)
	ev := wire.Event{MessageSource: wire.SourceRealtime, Rows: []wire.Row{{"path": "/a", "is_directory": true}}}
	require.NoError(t, p.Ingest(info.SessionID, wire.Batch{SourceType: wire.SourceRealtime, Events: []wire.Event{ev}}))

	require.Eventually(t, func() bool {
		_, processed, _ := recorder.snapshot()
		return processed == 1
	}, time.Second, 5*time.Millisecond)

	received, _, _ := recorder.snapshot()
	assert.Equal(t, 1, received)
}

func TestIngestQueueFullReturnsError(t *testing.T) {
	v := view.New("view1", clock.New())
	sessions := session.NewRegistry("view1")
	p := New("pipe1", v, sessions, WithQueueBatchSize(1))
	// Deliberately do not Start(): nothing drains the queue so the second
	// enqueue attempt observes it full.
	info := p.CreateSession("agent:pipe1", 30)

	ev := wire.Event{MessageSource: wire.SourceRealtime, Rows: []wire.Row{{"path": "/a", "is_directory": true}}}
	require.NoError(t, p.Ingest(info.SessionID, wire.Batch{SourceType: wire.SourceRealtime, Events: []wire.Event{ev}}))
	err := p.Ingest(info.SessionID, wire.Batch{SourceType: wire.SourceRealtime, Events: []wire.Event{ev, ev}})
	assert.Error(t, err)
}
