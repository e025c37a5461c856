// Package audit holds the pure decision logic for the Audit Manager
// (spec.md §4.4, C4): Rule 3 stale-evidence protection and tombstone
// garbage collection. The mutating state these decisions act on
// (audit_seen_paths, the tree itself) stays owned by internal/view's View,
// per spec.md §5's single-writer rule; this package is kept separate only
// so the decision predicates can be unit-tested without a live tree.
// Grounded on original_source/core/src/fustor_core's audit epoch tests
// (test_tombstone_boundaries.py) and shaped like the teacher's small
// pure-function helpers in pkg/status/status.go.
package audit

import "time"

// TombstoneGCWindow is the retention window after which a tombstone is
// eligible for garbage collection (spec.md §4.4.2).
const TombstoneGCWindow = time.Hour

// IsBlindSpotDeletionCandidate implements spec.md §4.4.1's per-child test
// during handle_audit_end: c is a candidate for blind-spot deletion iff the
// audit did not report it, AND Rule 3 doesn't protect it (it was not
// created/updated by a REALTIME event during the audit window), AND it
// isn't already tombstoned.
func IsBlindSpotDeletionCandidate(childSeenByAudit bool, childLastUpdatedAt time.Time, auditStart time.Time, childTombstoned bool) bool {
	if childSeenByAudit {
		return false
	}
	if childTombstoned {
		return false
	}
	// Rule 3: a node updated after the audit started was simply missed by
	// the scan, not actually absent.
	if childLastUpdatedAt.After(auditStart) {
		return false
	}
	return true
}

// IsTombstoneExpired reports whether a tombstone recorded at physicalTS is
// eligible for GC at physicalNow (spec.md §4.4.2, invariant 4).
func IsTombstoneExpired(physicalTS, physicalNow time.Time) bool {
	return physicalNow.Sub(physicalTS) > TombstoneGCWindow
}
