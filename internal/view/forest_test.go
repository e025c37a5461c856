package view

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fustor/pkg/wire"
)

func newTestForest(w time.Time) *Forest {
	return NewForest("global-view", func() Clock { return &fakeClock{w: w} })
}

func TestForest_ProcessEvent_RoutesByPipeID(t *testing.T) {
	f := newTestForest(time.Unix(1000, 0))
	evt := fsEvent(wire.EventInsert, wire.SourceRealtime, row("/a.txt", 900, 10, false, nil))
	evt.Metadata = map[string]string{wire.MetaPipeID: "pipe-A"}

	f.ProcessEvent(evt)

	trees := f.Trees()
	require.Len(t, trees, 1)
	require.Contains(t, trees, "pipe-A")
	_, ok := trees["pipe-A"].GetNode("/a.txt")
	assert.True(t, ok)
}

func TestForest_ProcessEvent_NoPipeIDDropped(t *testing.T) {
	f := newTestForest(time.Unix(1000, 0))
	evt := fsEvent(wire.EventInsert, wire.SourceRealtime, row("/a.txt", 900, 10, false, nil))

	f.ProcessEvent(evt)

	assert.Empty(t, f.Trees())
}

func TestForest_SubtreeStatsAgg_PicksBestByFileCount(t *testing.T) {
	f := newTestForest(time.Unix(1000, 0))

	evtA := fsEvent(wire.EventInsert, wire.SourceRealtime,
		row("/a1.txt", 900, 1, false, nil),
		row("/a2.txt", 900, 1, false, nil),
	)
	evtA.Metadata = map[string]string{wire.MetaPipeID: "pipe-A"}
	f.ProcessEvent(evtA)

	evtB := fsEvent(wire.EventInsert, wire.SourceRealtime, row("/b1.txt", 900, 1, false, nil))
	evtB.Metadata = map[string]string{wire.MetaPipeID: "pipe-B"}
	f.ProcessEvent(evtB)

	agg := f.SubtreeStatsAgg("/")
	require.Len(t, agg.Members, 2)
	require.NotNil(t, agg.Best)
	assert.Equal(t, "pipe-A", agg.Best.PipeID)
	assert.Equal(t, 2, agg.Best.FileCount)
}

func TestForest_DirectoryTree_BestSelectsSingleMember(t *testing.T) {
	f := newTestForest(time.Unix(1000, 0))

	evtA := fsEvent(wire.EventInsert, wire.SourceRealtime, row("/a1.txt", 900, 1, false, nil))
	evtA.Metadata = map[string]string{wire.MetaPipeID: "pipe-A"}
	f.ProcessEvent(evtA)

	evtB := fsEvent(wire.EventInsert, wire.SourceRealtime,
		row("/b1.txt", 900, 1, false, nil),
		row("/b2.txt", 900, 1, false, nil),
	)
	evtB.Metadata = map[string]string{wire.MetaPipeID: "pipe-B"}
	f.ProcessEvent(evtB)

	result := f.DirectoryTree("/", true)
	assert.Equal(t, "pipe-B", result.BestViewSelected)
	require.Contains(t, result.Members, "pipe-B")
	assert.Len(t, result.Members["pipe-B"], 2)
	assert.NotContains(t, result.Members, "pipe-A")
}

func TestForest_DirectoryTree_AllMembersWhenNotBest(t *testing.T) {
	f := newTestForest(time.Unix(1000, 0))

	evtA := fsEvent(wire.EventInsert, wire.SourceRealtime, row("/a1.txt", 900, 1, false, nil))
	evtA.Metadata = map[string]string{wire.MetaPipeID: "pipe-A"}
	f.ProcessEvent(evtA)

	evtB := fsEvent(wire.EventInsert, wire.SourceRealtime, row("/b1.txt", 900, 1, false, nil))
	evtB.Metadata = map[string]string{wire.MetaPipeID: "pipe-B"}
	f.ProcessEvent(evtB)

	result := f.DirectoryTree("/", false)
	assert.Empty(t, result.BestViewSelected)
	assert.Len(t, result.Members, 2)
}

func TestForest_AuditAndSentinelAreScopedPerPipe(t *testing.T) {
	f := newTestForest(time.Unix(1000, 0))

	evtA := fsEvent(wire.EventInsert, wire.SourceRealtime, row("/a.txt", 950, 1, false, nil))
	evtA.Metadata = map[string]string{wire.MetaPipeID: "pipe-A"}
	f.ProcessEvent(evtA)

	f.HandleAuditStartForPipe("pipe-A")
	f.HandleAuditEndForPipe("pipe-B") // creates pipe-B's tree but touches nothing in A

	assert.NotContains(t, f.Trees(), "pipe-B-leak") // sanity: no stray keys
	require.Contains(t, f.Trees(), "pipe-A")
	require.Contains(t, f.Trees(), "pipe-B")

	f.UpdateSuspectForPipe("pipe-A", "/a.txt", 950, nil)
	assert.NotPanics(t, func() { f.SuspectPathsForPipe("pipe-A") })
}
