package view

import (
	"time"

	"github.com/objectfs/fustor/internal/audit"
	"github.com/objectfs/fustor/internal/logging"
)

// HandleAuditStart implements spec.md §4.4's handle_audit_start: idempotent,
// so a late duplicate signal never clears audit_seen_paths that earlier
// AUDIT rows already populated.
func (v *View) HandleAuditStart() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handleAuditStartLocked()
}

func (v *View) handleAuditStartLocked() {
	if v.lastAuditStart != nil {
		return
	}
	w := v.clock.Now()
	v.lastAuditStart = &w
}

// HandleAuditEnd implements spec.md §4.4's handle_audit_end: blind-spot
// deletion with Rule 3 protection, tombstone GC, then epoch reset. Audit
// operations never propagate errors — a failed deletion is logged and the
// epoch still closes (spec.md §4.4 "Failure").
func (v *View) HandleAuditEnd() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.lastAuditStart == nil {
		// No epoch open: still a safe no-op per invariant 8.
		v.auditSeenPaths = make(map[string]struct{})
		return
	}
	auditStart := *v.lastAuditStart

	// Step 1: blind-spot deletion, scanning only directories the audit
	// actually visited.
	for d := range v.auditSeenPaths {
		dirNode, ok := v.dirs[d]
		if !ok {
			continue
		}
		for _, childPath := range dirNode.Children {
			_, seen := v.auditSeenPaths[childPath]
			var lastUpdatedAt time.Time
			if f, ok := v.files[childPath]; ok {
				lastUpdatedAt = f.LastUpdatedAt
			} else if cd, ok := v.dirs[childPath]; ok {
				lastUpdatedAt = cd.LastUpdatedAt
			} else {
				continue
			}
			_, tombstoned := v.tombstones[childPath]

			if audit.IsBlindSpotDeletionCandidate(seen, lastUpdatedAt, auditStart, tombstoned) {
				if err := v.deleteNodeLocked(childPath); err != nil {
					v.log.Error("blind-spot deletion failed", logging.F("path", childPath), logging.F("error", err.Error()))
					continue
				}
				v.blindSpotDeletions[childPath] = struct{}{}
			}
		}
	}

	// Step 2: tombstone GC.
	physicalNow := v.now()
	for path, ts := range v.tombstones {
		if audit.IsTombstoneExpired(ts.PhysicalTS, physicalNow) {
			delete(v.tombstones, path)
		}
	}

	// Step 3: clear epoch state.
	v.auditSeenPaths = make(map[string]struct{})
	v.lastAuditStart = nil
}

// UpdateSuspect implements spec.md §4.3 step 9: the Sentinel feedback path,
// not itself a tree event. A matching, cold mtime clears suspicion only
// once VerifyAtomicWrite also confirms the reported size is stable (when a
// size was reported); a mismatched mtime updates the node and refreshes
// the heap entry; a hot node keeps its suspicion with a renewed expiry.
func (v *View) UpdateSuspect(path string, mtime float64, size *int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, ok := v.files[path]
	if !ok {
		return
	}
	physicalNow := v.now()
	watermark := v.clock.Now()

	if mtime != f.ModifiedTime {
		f.ModifiedTime = mtime
		if size != nil {
			f.Size = *size
		}
		v.markSuspectLocked(path, mtime, physicalNow)
		return
	}

	age := watermark.Sub(modTimeToTime(mtime))
	hot := age < v.hotFileThreshold
	if !hot {
		if size != nil {
			// A matching mtime alone isn't sufficient proof the write
			// finished (SPEC_FULL.md §C.3): confirm the reported size is
			// also stable before clearing suspicion; a size mismatch
			// means the file kept changing after mtime last moved, so
			// keep it suspect with a renewed expiry instead.
			if !v.verifyAtomicWriteLocked(path, mtime, *size) {
				v.markSuspectLocked(path, mtime, physicalNow)
			}
			return
		}
		v.clearSuspectLocked(path)
		return
	}
	// Hot: renew expiry without changing recorded mtime.
	v.markSuspectLocked(path, mtime, physicalNow)
}
