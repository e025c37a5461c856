package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S6 — Leader failover.
func TestS6_LeaderFailover(t *testing.T) {
	r := NewRegistry("view1")

	s1 := r.CreateSession("agent:pipe1", 30)
	s2 := r.CreateSession("agent:pipe2", 30)

	assert.Equal(t, RoleLeader, s1.Role)
	assert.Equal(t, RoleFollower, s2.Role)

	r.Terminate(s1.SessionID)

	role, err := r.Heartbeat(s2.SessionID, true)
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, role)
}

func TestSnapshotCompleteOnlyHonorsLeader(t *testing.T) {
	r := NewRegistry("view1")
	s1 := r.CreateSession("agent:pipe1", 30)
	s2 := r.CreateSession("agent:pipe2", 30)

	r.SetSnapshotComplete(s2.SessionID) // follower: ignored
	assert.False(t, r.SnapshotComplete(s2.SessionID))

	r.SetSnapshotComplete(s1.SessionID) // leader: honored
	assert.True(t, r.SnapshotComplete(s1.SessionID))
}

func TestSweepTerminatesExpiredSessions(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry("view1", WithClock(func() time.Time { return now }))
	s1 := r.CreateSession("agent:pipe1", 5)

	now = now.Add(10 * time.Second)
	r.sweepOnce()

	_, ok := r.Get(s1.SessionID)
	assert.False(t, ok)
}
