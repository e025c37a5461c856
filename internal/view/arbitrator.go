package view

import (
	"container/heap"
	"time"

	"github.com/objectfs/fustor/internal/logging"
	"github.com/objectfs/fustor/pkg/wire"
)

// modTimeToTime converts a wire FS row's fractional-seconds modified_time
// into a comparable time.Time, using the same seconds->Time convention as
// internal/clock (Open Question (b): an FS row's modified_time is fractional
// epoch seconds, kept at nanosecond precision; the view never reads an
// event's "index").
func modTimeToTime(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second)))
}

// ProcessEvent is the Arbitrator's single entry point (spec.md §4.3): it
// merges every row of event against the tree, clock and auxiliary state
// under the view's single writer. A malformed row is logged and skipped —
// one bad row must never kill the view (spec.md §7).
func (v *View) ProcessEvent(event wire.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	canSampleSkew := event.MessageSource == wire.SourceRealtime

	for _, row := range event.Rows {
		fsRow, ok := wire.ParseFSRow(row)
		if !ok {
			v.log.Warn("dropping malformed row: missing path", logging.F("event_type", event.EventType))
			continue
		}
		v.processRowLocked(event.EventType, event.MessageSource, fsRow, canSampleSkew)
	}
}

func (v *View) processRowLocked(evType wire.EventType, source wire.MessageSource, row wire.FSRow, canSampleSkew bool) {
	physicalNow := v.now()

	// Step 1: source normalization — auto-begin an audit epoch on the
	// first AUDIT row seen since the previous handle_audit_end.
	if source == wire.SourceAudit && v.lastAuditStart == nil {
		v.handleAuditStartLocked()
	}

	mtime := row.ModifiedTime
	watermark := v.clock.Update(&mtime, canSampleSkew)

	if evType == wire.EventDelete {
		v.processDeleteLocked(source, row, watermark, physicalNow)
		return
	}

	// Step 3: tombstone protection (UPDATE/INSERT).
	if ts, tombstoned := v.tombstones[row.Path]; tombstoned {
		rowTime := modTimeToTime(row.ModifiedTime)
		if !rowTime.After(ts.LogicalTS) {
			// Stale relative to (or tied with) the deletion: drop.
			return
		}
		// Strictly newer: resurrection.
		delete(v.tombstones, row.Path)
	}

	// Step 4: parent-mtime check, AUDIT UPDATE/INSERT only. Applied only
	// when the parent exists in memory (Open Question (c)).
	if source == wire.SourceAudit && row.HasParentMTime {
		parentPath, _ := splitPath(row.Path)
		if parent, ok := v.dirs[parentPath]; ok && row.ParentMTime < parent.ModifiedTime {
			v.log.Debug("audit anomaly: parent_mtime stale, dropping row", logging.F("path", row.Path))
			return
		}
	}

	// Step 8 bookkeeping uses pre-merge existence, so capture it now.
	_, existedBefore := v.getNodeLocked(row.Path)

	// Step 5: smart merge.
	merged := true
	if source != wire.SourceRealtime {
		existing, ok := v.getNodeLocked(row.Path)
		if ok && row.ModifiedTime <= existing.NodeModifiedTime() {
			merged = false
		}
	}

	if merged {
		// Step 6: tree apply.
		v.updateNodeLocked(row.Path, row.IsDirectory, row.ModifiedTime, row.Size, physicalNow)

		// Step 7: suspect classification, post-apply.
		v.classifySuspectLocked(row, source, watermark, physicalNow)
	}

	// Step 8: blind-spot bookkeeping (AUDIT only), independent of whether
	// the merge actually changed the node — it records what the audit saw.
	// Every reported row records its own path, so handle_audit_end never
	// treats it as missing. A reported directory row thereby marks itself
	// scanned (its children can now be diffed against audit_seen_paths in
	// handle_audit_end); a reported file row also marks its parent scanned.
	if source == wire.SourceAudit {
		if !existedBefore {
			v.blindSpotAdditions[row.Path] = struct{}{}
		}
		v.auditSeenPaths[row.Path] = struct{}{}
		if row.IsDirectory {
			// already recorded above
		} else if row.HasParentPath {
			v.auditSeenPaths[row.ParentPath] = struct{}{}
		} else {
			parentPath, _ := splitPath(row.Path)
			v.auditSeenPaths[parentPath] = struct{}{}
		}
	}
}

func (v *View) processDeleteLocked(source wire.MessageSource, row wire.FSRow, watermark, physicalNow time.Time) {
	if source == wire.SourceRealtime {
		_ = v.deleteNodeLocked(row.Path)
		v.tombstones[row.Path] = Tombstone{LogicalTS: watermark, PhysicalTS: physicalNow}
		return
	}

	// SNAPSHOT/AUDIT DELETE: accepted only if row.modified_time >=
	// existing node's modified_time (ties allowed).
	if existing, ok := v.getNodeLocked(row.Path); ok {
		if row.ModifiedTime < existing.NodeModifiedTime() {
			return
		}
	}
	_ = v.deleteNodeLocked(row.Path)
	v.tombstones[row.Path] = Tombstone{LogicalTS: watermark, PhysicalTS: physicalNow}
}

// classifySuspectLocked implements step 7: post-apply suspect classification.
func (v *View) classifySuspectLocked(row wire.FSRow, source wire.MessageSource, watermark, physicalNow time.Time) {
	if row.IsDirectory {
		return
	}
	age := watermark.Sub(modTimeToTime(row.ModifiedTime))
	hot := age < v.hotFileThreshold
	if source == wire.SourceRealtime && row.HasAtomicWrite && !row.IsAtomicWrite {
		hot = true
	}

	if hot {
		v.markSuspectLocked(row.Path, row.ModifiedTime, physicalNow)
		return
	}

	// Cold REALTIME atomic write: clear suspect if present.
	if source == wire.SourceRealtime && row.HasAtomicWrite && row.IsAtomicWrite {
		v.clearSuspectLocked(row.Path)
	}
}

func (v *View) markSuspectLocked(path string, mtime float64, physicalNow time.Time) {
	expiry := physicalNow.Add(v.suspectTTL)
	v.suspects[path] = SuspectEntry{ExpiryMono: expiry, RecordedMTime: mtime}
	heap.Push(&v.heap, suspectHeapEntry{expiry: expiry, path: path})
	if f, ok := v.files[path]; ok {
		f.IntegritySuspect = true
	}
}

func (v *View) clearSuspectLocked(path string) {
	delete(v.suspects, path)
	if f, ok := v.files[path]; ok {
		f.IntegritySuspect = false
	}
}
