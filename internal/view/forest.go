package view

import (
	"sync"

	"github.com/objectfs/fustor/internal/logging"
	"github.com/objectfs/fustor/pkg/wire"
)

// Forest implements the "Forest" view mode supplemented from
// original_source/extensions/view-fs-forest/src/fustor_view_fs_forest/driver.py
// (SPEC_FULL.md §C.1): several independent Agents mirror *different*
// subtrees of the same logical source (e.g. sharded scanners), and each
// gets its own fully independent Arbitrator+tree+clock scoped by pipe_id.
// Forest itself only routes and aggregates; all merge logic stays in View.
type Forest struct {
	mu sync.Mutex

	viewID   string
	newClock func() Clock
	opts     []Option
	log      *logging.Logger

	trees map[string]*View // pipe_id -> independent tree
}

// NewForest creates an empty Forest. newClock must return a fresh,
// independent Clock for each lazily-created subtree — sharing one Clock
// across subtrees would defeat the point of per-pipe skew isolation.
func NewForest(viewID string, newClock func() Clock, opts ...Option) *Forest {
	return &Forest{
		viewID:   viewID,
		newClock: newClock,
		opts:     opts,
		log:      logging.New(logging.DefaultConfig()).Component("forest").With(logging.F("view_id", viewID)),
		trees:    make(map[string]*View),
	}
}

// Tree returns (lazily creating) the subtree for pipeID, for a host that
// wires a scoped fusionpipe.Pipe + session.Registry per pipe on top of a
// Forest (spec.md §4.5's scoped election, "election_id =
// f'{view_id}:{pipe_id}'" in the original), mirroring the original's
// resolve_session_role eagerly calling _get_or_create_tree before election.
func (f *Forest) Tree(pipeID string) *View { return f.treeFor(pipeID) }

// treeFor lazily creates the subtree for pipeID on first use, mirroring the
// original's _get_or_create_tree.
func (f *Forest) treeFor(pipeID string) *View {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trees[pipeID]
	if !ok {
		f.log.Info("creating new internal tree", logging.F("pipe_id", pipeID))
		t = New(f.viewID+":"+pipeID, f.newClock(), f.opts...)
		f.trees[pipeID] = t
	}
	return t
}

// ProcessEvent routes event to the subtree named by its
// Metadata[wire.MetaPipeID], creating the subtree lazily. An event with no
// pipe_id metadata cannot be routed and is dropped (logged), matching the
// original driver's "cannot route without pipe_id" behavior.
func (f *Forest) ProcessEvent(event wire.Event) {
	pipeID := event.Metadata[wire.MetaPipeID]
	if pipeID == "" {
		f.log.Warn("forest view received event without pipe_id metadata, dropping")
		return
	}
	f.treeFor(pipeID).ProcessEvent(event)
}

// HandleAuditStartForPipe begins an audit epoch on pipeID's subtree only.
func (f *Forest) HandleAuditStartForPipe(pipeID string) {
	f.treeFor(pipeID).HandleAuditStart()
}

// HandleAuditEndForPipe ends an audit epoch on pipeID's subtree only.
func (f *Forest) HandleAuditEndForPipe(pipeID string) {
	f.treeFor(pipeID).HandleAuditEnd()
}

// SuspectPathsForPipe returns pipeID's subtree's suspect paths, for a
// Sentinel sweep scoped to that pipe.
func (f *Forest) SuspectPathsForPipe(pipeID string) []string {
	return f.treeFor(pipeID).SuspectPaths()
}

// UpdateSuspectForPipe applies a sentinel feedback update to pipeID's
// subtree.
func (f *Forest) UpdateSuspectForPipe(pipeID, path string, mtime float64, size *int64) {
	f.treeFor(pipeID).UpdateSuspect(path, mtime, size)
}

// CleanupExpiredSuspects sweeps TTL-expired suspects across every subtree,
// the forest-wide equivalent of the original's cleanup_expired_suspects.
func (f *Forest) CleanupExpiredSuspects() {
	f.mu.Lock()
	trees := make([]*View, 0, len(f.trees))
	for _, t := range f.trees {
		trees = append(trees, t)
	}
	f.mu.Unlock()
	for _, t := range trees {
		t.CleanupExpiredSuspects()
	}
}

// MemberStat is one subtree's entry in a Forest aggregation response.
type MemberStat struct {
	PipeID    string
	OK        bool
	FileCount int
	DirCount  int
}

// StatsAgg is get_subtree_stats_agg's result: one entry per member plus the
// "best" member by file count.
type StatsAgg struct {
	Path    string
	Members []MemberStat
	Best    *MemberStat
}

// SubtreeStatsAgg aggregates per-subtree file/dir counts at path across all
// known pipes and picks the member with the most files as "best",
// mirroring the original's get_subtree_stats_agg default strategy.
func (f *Forest) SubtreeStatsAgg(path string) StatsAgg {
	f.mu.Lock()
	pipeIDs := make([]string, 0, len(f.trees))
	trees := make(map[string]*View, len(f.trees))
	for pid, t := range f.trees {
		pipeIDs = append(pipeIDs, pid)
		trees[pid] = t
	}
	f.mu.Unlock()

	agg := StatsAgg{Path: path}
	var best *MemberStat
	for _, pid := range pipeIDs {
		fileCount, dirCount, ok := trees[pid].SubtreeStats(path)
		m := MemberStat{PipeID: pid, OK: ok, FileCount: fileCount, DirCount: dirCount}
		agg.Members = append(agg.Members, m)
		if ok && (best == nil || fileCount > best.FileCount) {
			mCopy := m
			best = &mCopy
		}
	}
	agg.Best = best
	return agg
}

// DirectoryTreeResult is get_directory_tree's result: either every member's
// children at path, or (when Best is requested) only the winning member's.
type DirectoryTreeResult struct {
	Path             string
	Members          map[string][]string // pipe_id -> child paths
	BestViewSelected string              // set only when best selection ran
}

// DirectoryTree returns the children at path across subtrees. When best is
// true, only the subtree chosen by SubtreeStatsAgg is included, mirroring
// the original's "best" strategy selection.
func (f *Forest) DirectoryTree(path string, best bool) DirectoryTreeResult {
	f.mu.Lock()
	pipeIDs := make([]string, 0, len(f.trees))
	trees := make(map[string]*View, len(f.trees))
	for pid, t := range f.trees {
		pipeIDs = append(pipeIDs, pid)
		trees[pid] = t
	}
	f.mu.Unlock()

	result := DirectoryTreeResult{Path: path, Members: make(map[string][]string)}
	if best {
		agg := f.SubtreeStatsAgg(path)
		if agg.Best == nil {
			return result
		}
		pipeIDs = []string{agg.Best.PipeID}
		result.BestViewSelected = agg.Best.PipeID
	}
	for _, pid := range pipeIDs {
		result.Members[pid] = trees[pid].ChildrenOf(path)
	}
	return result
}

// Trees exposes the live pipe_id -> View map for callers (e.g. the
// viewmount projection, or tests) that need to address a specific member
// tree directly rather than through the aggregation API.
func (f *Forest) Trees() map[string]*View {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*View, len(f.trees))
	for pid, t := range f.trees {
		out[pid] = t
	}
	return out
}
