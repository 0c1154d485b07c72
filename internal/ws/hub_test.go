package ws

import (
	"context"
	"testing"
	"time"

	"veranda/internal/models"

	"github.com/stretchr/testify/require"
)

func online(h *Hub, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID]) > 0
}

func TestHub_Presence(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHub(deps)

	ws1, ws2 := newMockWS(), newMockWS()
	c1 := NewConnection(h, deps, ws1, alice)
	c2 := NewConnection(h, deps, ws2, alice)

	h.join(c1)
	h.join(c2)
	require.True(t, online(h, alice.ID))
	require.False(t, online(h, "bob"))

	h.enter(c1, "lobby")
	require.True(t, h.Viewing(alice.ID, "lobby"))
	require.False(t, h.Viewing(alice.ID, "porch"))

	h.leave(c1)
	require.True(t, online(h, alice.ID))
	require.False(t, h.Viewing(alice.ID, "lobby"))

	h.leave(c2)
	require.False(t, online(h, alice.ID))

	// Entering after leaving is ignored.
	h.enter(c1, "lobby")
	require.False(t, h.Viewing(alice.ID, "lobby"))
}

func TestHub_DisconnectUser(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHub(deps)
	ws := newMockWS()
	conn := NewConnection(h, deps, ws, models.User{ID: "bob"})

	done := make(chan error, 1)
	go func() { done <- conn.Handle(context.Background()) }()
	require.Eventually(t, func() bool { return online(h, "bob") }, time.Second, 10*time.Millisecond)

	h.DisconnectUser("bob")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
	require.False(t, online(h, "bob"))
}
