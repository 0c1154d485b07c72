// Package room resolves a room id into a live room document for a viewer.
package room

import (
	"context"
	"fmt"
	"sync"

	"veranda/internal/models"
	"veranda/internal/realtime"
)

// Source is the part of the realtime store the resolver reads from.
type Source interface {
	Room(ctx context.Context, roomID string) (models.Room, error)
	User(ctx context.Context, userID string) (models.User, error)
	WatchRoom(ctx context.Context, roomID string) (*realtime.Subscription[realtime.RoomEvent], error)
	WatchUser(ctx context.Context, userID string) (*realtime.Subscription[realtime.UserEvent], error)
}

type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Get reads the room once. Direct message rooms are resolved through the
// other participant's profile.
func (r *Resolver) Get(ctx context.Context, roomID, userID string) (models.Room, error) {
	if peer, ok := models.DMPeer(roomID, userID); ok {
		user, err := r.src.User(ctx, peer)
		if err != nil {
			return models.Room{}, fmt.Errorf("failed to resolve dm peer %s: %w", peer, err)
		}
		return dmRoom(roomID, user), nil
	}
	room, err := r.src.Room(ctx, roomID)
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to get room %s: %w", roomID, err)
	}
	return room, nil
}

// Watch subscribes to the room as seen by userID. A room that does not exist
// is not an error: Current reports ok=false until the room shows up.
func (r *Resolver) Watch(ctx context.Context, roomID, userID string) (*Live, error) {
	ctx, cancel := context.WithCancel(ctx)
	l := &Live{
		roomID:  roomID,
		cancel:  cancel,
		updates: make(chan models.Room, 1),
		done:    make(chan struct{}),
	}

	if peer, ok := models.DMPeer(roomID, userID); ok {
		sub, err := r.src.WatchUser(ctx, peer)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to watch dm peer %s: %w", peer, err)
		}
		l.closeSub = sub.Close
		go follow(ctx, l, sub, func(ev realtime.UserEvent) (models.Room, bool) {
			return dmRoom(roomID, ev.User), ev.Exists
		})
		return l, nil
	}

	sub, err := r.src.WatchRoom(ctx, roomID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch room %s: %w", roomID, err)
	}
	l.closeSub = sub.Close
	go follow(ctx, l, sub, func(ev realtime.RoomEvent) (models.Room, bool) {
		return ev.Room, ev.Exists
	})
	return l, nil
}

// Live is a read-only live view of one room.
type Live struct {
	roomID   string
	cancel   context.CancelFunc
	closeSub func()
	updates  chan models.Room
	done     chan struct{}

	mu     sync.RWMutex
	room   models.Room
	exists bool
}

func (l *Live) RoomID() string {
	return l.roomID
}

// Current returns the latest known room. ok is false while the room is not
// loaded or does not exist.
func (l *Live) Current() (models.Room, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.room, l.exists
}

// Updates delivers the room every time it changes. Intermediate states may be
// coalesced; the last value received is always the current one. The channel
// is closed when the view stops.
func (l *Live) Updates() <-chan models.Room {
	return l.updates
}

func (l *Live) Close() {
	l.cancel()
	l.closeSub()
	<-l.done
}

func (l *Live) set(room models.Room, exists bool) {
	l.mu.Lock()
	l.room, l.exists = room, exists
	l.mu.Unlock()

	if !exists {
		return
	}
	// Single producer: after draining a stale value the send cannot block.
	select {
	case <-l.updates:
	default:
	}
	l.updates <- room
}

func follow[T any](ctx context.Context, l *Live, sub *realtime.Subscription[T], conv func(T) (models.Room, bool)) {
	defer close(l.done)
	defer close(l.updates)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			l.set(conv(ev))
		case <-ctx.Done():
			return
		}
	}
}

func dmRoom(roomID string, user models.User) models.Room {
	name := user.DisplayName
	if name == "" {
		name = user.UserName
	}
	return models.Room{
		ID:       roomID,
		Name:     name,
		PhotoURL: user.AvatarURL,
		IsDM:     true,
	}
}
