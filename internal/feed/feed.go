// Package feed keeps a live, ordered view of the messages of one room.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"veranda/internal/models"
	"veranda/internal/realtime"
)

// Source is the part of the realtime store the feed reads from.
type Source interface {
	WatchMessages(ctx context.Context, roomID string) (*realtime.Subscription[realtime.MessageEvent], error)
}

// Update describes one change applied to the feed.
// For snapshots Messages holds the full ordered list, otherwise Message is
// the changed message and Index its position after the change.
type Update struct {
	Kind     realtime.ChangeKind
	Message  models.Message
	Index    int
	Messages []models.Message
}

type Feed struct {
	roomID  string
	sub     *realtime.Subscription[realtime.MessageEvent]
	cancel  context.CancelFunc
	updates chan Update
	done    chan struct{}

	mu       sync.RWMutex
	messages []models.Message
}

// Open subscribes to the room's messages. The feed lives until Close is
// called or ctx is cancelled.
func Open(ctx context.Context, src Source, roomID string) (*Feed, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := src.WatchMessages(ctx, roomID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch messages of %s: %w", roomID, err)
	}

	f := &Feed{
		roomID:  roomID,
		sub:     sub,
		cancel:  cancel,
		updates: make(chan Update),
		done:    make(chan struct{}),
	}
	go f.run(ctx)
	return f, nil
}

func (f *Feed) RoomID() string {
	return f.roomID
}

// Updates returns the stream of applied changes. It is closed when the feed stops.
func (f *Feed) Updates() <-chan Update {
	return f.updates
}

// Messages returns a copy of the current ordered message list.
func (f *Feed) Messages() []models.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

// Close tears down the subscription and waits for the feed to stop.
func (f *Feed) Close() {
	f.cancel()
	f.sub.Close()
	<-f.done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.updates)

	for {
		select {
		case ev, ok := <-f.sub.C():
			if !ok {
				return
			}
			for _, u := range f.apply(ev) {
				select {
				case f.updates <- u:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) apply(ev realtime.MessageEvent) []Update {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch ev.Kind {
	case realtime.ChangeSnapshot:
		f.messages = make([]models.Message, len(ev.Messages))
		copy(f.messages, ev.Messages)
		sort.SliceStable(f.messages, func(i, j int) bool {
			return less(f.messages[i], f.messages[j])
		})
		snapshot := make([]models.Message, len(f.messages))
		copy(snapshot, f.messages)
		return []Update{{Kind: realtime.ChangeSnapshot, Messages: snapshot}}

	case realtime.ChangeAdded:
		updates := make([]Update, 0, len(ev.Messages))
		for _, m := range ev.Messages {
			updates = append(updates, Update{Kind: realtime.ChangeAdded, Message: m, Index: f.insert(m)})
		}
		return updates

	case realtime.ChangeModified:
		updates := make([]Update, 0, len(ev.Messages))
		for _, m := range ev.Messages {
			idx := f.indexOf(m.ID)
			if idx < 0 {
				updates = append(updates, Update{Kind: realtime.ChangeAdded, Message: m, Index: f.insert(m)})
				continue
			}
			f.messages[idx] = m
			updates = append(updates, Update{Kind: realtime.ChangeModified, Message: m, Index: idx})
		}
		return updates
	}
	return nil
}

func (f *Feed) insert(m models.Message) int {
	idx := sort.Search(len(f.messages), func(i int) bool {
		return less(m, f.messages[i])
	})
	f.messages = append(f.messages, models.Message{})
	copy(f.messages[idx+1:], f.messages[idx:])
	f.messages[idx] = m
	return idx
}

func (f *Feed) indexOf(id string) int {
	// Modifications target recent messages, search from the end.
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func less(a, b models.Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}
