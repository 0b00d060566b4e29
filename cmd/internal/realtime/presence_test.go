package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomPresence_JoinIsIdempotent(t *testing.T) {
	req := require.New(t)
	p := NewRoomPresence()

	req.True(p.Join("c1", "1", "s1"))
	req.False(p.Join("c1", "1", "s1"))
	req.True(p.IsActive("c1", "1"))
	req.Equal([]string{"1"}, p.ActiveUsers("c1"))

	// A single leave undoes any number of joins from the same session.
	req.True(p.Leave("c1", "1", "s1"))
	req.False(p.IsActive("c1", "1"))
	req.Empty(p.ActiveUsers("c1"))
	req.Empty(p.rooms, "empty chat entries are pruned")
	req.Empty(p.sessions)
}

func TestRoomPresence_MultiDevice(t *testing.T) {
	req := require.New(t)
	p := NewRoomPresence()

	p.Join("c1", "1", "phone")
	p.Join("c1", "1", "laptop")

	req.False(p.Leave("c1", "1", "phone"), "laptop still has the chat open")
	req.True(p.IsActive("c1", "1"))

	req.True(p.Leave("c1", "1", "laptop"))
	req.False(p.IsActive("c1", "1"))
}

func TestRoomPresence_LeaveAllOnDisconnect(t *testing.T) {
	req := require.New(t)
	p := NewRoomPresence()

	p.Join("c1", "1", "s1")
	p.Join("c2", "1", "s1")
	p.Join("c2", "2", "s2")

	req.Equal([]string{"c1", "c2"}, p.LeaveAll("1", "s1"))
	req.False(p.IsActive("c1", "1"))
	req.False(p.IsActive("c2", "1"))
	req.True(p.IsActive("c2", "2"))

	req.Empty(p.LeaveAll("1", "s1"), "second disconnect is a no-op")
	req.Empty(p.LeaveAll("9", "never-joined"))
}

func TestRoomPresence_IgnoresIncompleteKeys(t *testing.T) {
	p := NewRoomPresence()

	require.False(t, p.Join("", "1", "s1"))
	require.False(t, p.Join("c1", "", "s1"))
	require.False(t, p.Leave("c1", "1", "s1"))
	require.Empty(t, p.rooms)
}
