// Package session implements the Session & Role Manager (spec.md §4.5, C5):
// a per-view session registry, leader election by compare-and-set on
// authoritative_session_id, a heartbeat timeout sweep, and snapshot-complete
// gating. Grounded in shape on the teacher's internal/distributed/cluster.go
// (a mutex-guarded registry with a single leader field and a background
// sweep), simplified to the single-process CAS model spec.md's Open
// Question (a) explicitly scopes to — no gossip, no Raft, no cluster
// membership. Session IDs are minted with google/uuid, the same library the
// rest of the example pack uses for entity identifiers.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/fustor/internal/logging"
	"github.com/objectfs/fustor/pkg/ferrors"
)

// Role is a session's standing relative to its view's authoritative writer.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// DefaultCleanupInterval is how often the sweep checks for timed-out
// sessions (spec.md §4.5).
const DefaultCleanupInterval = 5 * time.Second

// Record is one session's lease state.
type Record struct {
	SessionID        string
	ViewID            string
	TaskID            string
	Role              Role
	CreatedAt         time.Time
	LastHeartbeat     time.Time
	SnapshotComplete  bool
	CanRealtime       bool
	TimeoutSeconds    int
}

func (r *Record) expired(now time.Time) bool {
	return now.After(r.LastHeartbeat.Add(time.Duration(r.TimeoutSeconds) * time.Second))
}

// Registry owns every session for a single view: spec.md §5 ties session
// ownership to the per-view worker, so one Registry exists per View.
type Registry struct {
	mu              sync.Mutex
	viewID          string
	sessions        map[string]*Record
	authoritative   string // session_id of the current leader, "" if none
	cleanupInterval time.Duration
	now             func() time.Time
	log             *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

func WithCleanupInterval(d time.Duration) Option { return func(r *Registry) { r.cleanupInterval = d } }
func WithClock(fn func() time.Time) Option        { return func(r *Registry) { r.now = fn } }

// NewRegistry creates a session Registry for viewID.
func NewRegistry(viewID string, opts ...Option) *Registry {
	r := &Registry{
		viewID:          viewID,
		sessions:        make(map[string]*Record),
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		log:             logging.New(logging.DefaultConfig()).Component("session"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession mints a new session, attempts the leader CAS, and returns
// the resulting record (spec.md §4.5).
func (r *Registry) CreateSession(taskID string, timeoutSeconds int) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	rec := &Record{
		SessionID:      id,
		ViewID:         r.viewID,
		TaskID:         taskID,
		Role:           RoleFollower,
		CreatedAt:      r.now(),
		LastHeartbeat:  r.now(),
		TimeoutSeconds: timeoutSeconds,
	}
	if r.authoritative == "" {
		r.authoritative = id
		rec.Role = RoleLeader
	}
	r.sessions[id] = rec
	return rec
}

// Heartbeat renews a session's lease, offers it the leader CAS if the
// previous leader died and it can_realtime, and returns its current role.
func (r *Registry) Heartbeat(sessionID string, canRealtime bool) (Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return "", ferrors.New(ferrors.CodeSessionNotFound, "unknown session").WithComponent("session").WithContext("session_id", sessionID)
	}
	rec.LastHeartbeat = r.now()
	rec.CanRealtime = canRealtime

	if canRealtime && rec.Role == RoleFollower && r.authoritative == "" {
		r.authoritative = sessionID
		rec.Role = RoleLeader
	}
	rec.Role = r.roleForLocked(sessionID)
	return rec.Role, nil
}

func (r *Registry) roleForLocked(sessionID string) Role {
	if r.authoritative == sessionID {
		return RoleLeader
	}
	return RoleFollower
}

// SetSnapshotComplete implements spec.md §4.5's snapshot-complete flag: only
// the leader's snapshot end signal is honored, followers' are ignored.
func (r *Registry) SetSnapshotComplete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if !ok || rec.Role != RoleLeader {
		return
	}
	rec.SnapshotComplete = true
}

// SnapshotComplete reports whether sessionID's snapshot has completed.
func (r *Registry) SnapshotComplete(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	return ok && rec.SnapshotComplete
}

// Terminate closes a session explicitly (DELETE /session/{sid}). If it was
// the leader, the authoritative slot opens up for the next qualifying
// heartbeat.
func (r *Registry) Terminate(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminateLocked(sessionID)
}

func (r *Registry) terminateLocked(sessionID string) {
	if _, ok := r.sessions[sessionID]; !ok {
		return
	}
	delete(r.sessions, sessionID)
	if r.authoritative == sessionID {
		r.authoritative = ""
	}
}

// Get returns a session's record by ID.
func (r *Registry) Get(sessionID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	return rec, ok
}

// sweepOnce terminates any session whose heartbeat has expired, per
// spec.md §4.5's background sweep.
func (r *Registry) sweepOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, rec := range r.sessions {
		if rec.expired(now) {
			r.log.Warn("session timed out", logging.F("session_id", id), logging.F("view_id", r.viewID))
			r.terminateLocked(id)
		}
	}
}

// StartSweep launches the background cleanup loop. Stop must be called to
// release it.
func (r *Registry) StartSweep() {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				r.sweepOnce()
			}
		}
	}()
}

// Stop halts the background sweep, if running.
func (r *Registry) Stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.stopCh = nil
	r.doneCh = nil
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
