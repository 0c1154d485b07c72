package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"veranda/internal/auth"
	"veranda/internal/filestore"
	"veranda/internal/models"
	"veranda/internal/storage"

	"github.com/google/uuid"
)

type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
)

// RoomEvent carries the current state of a room document.
// Exists is false while the document is absent.
type RoomEvent struct {
	RoomID string
	Room   models.Room
	Exists bool
}

// UserEvent carries the current public profile of a user.
type UserEvent struct {
	UserID string
	User   models.User
	Exists bool
}

// MessageEvent is one delivery of a room message query. The first event of a
// subscription is a snapshot with every stored message, later events carry
// a single added or modified message.
type MessageEvent struct {
	Kind     ChangeKind
	RoomID   string
	Messages []models.Message
}

// RecentRoomsEvent carries the full recent rooms list of a user, newest first.
type RecentRoomsEvent struct {
	UserID string
	Rooms  []models.RecentRoom
}

// BlobInfo describes a blob being uploaded.
type BlobInfo struct {
	Name        string
	ContentType string
	UserID      string
	RoomID      string
}

// MessageHook is called in its own goroutine after a message has been created.
type MessageHook func(ctx context.Context, msg models.Message)

// Store is the realtime document store: persistent rooms, messages, recent
// room pointers and blobs with live subscriptions on top. Writes and
// deliveries are serialized, so subscribers observe changes in server
// timestamp order.
type Store struct {
	db    *storage.BboltStorage
	blobs filestore.BlobStore
	now   func() time.Time

	mu            sync.Mutex
	lastTimestamp int64

	rooms    *broker[RoomEvent]
	users    *broker[UserEvent]
	messages *broker[MessageEvent]
	recents  *broker[RecentRoomsEvent]

	hooksMu sync.RWMutex
	hooks   []MessageHook
}

func New(db *storage.BboltStorage, blobs filestore.BlobStore) (*Store, error) {
	s := &Store{
		db:       db,
		blobs:    blobs,
		now:      time.Now,
		rooms:    newBroker[RoomEvent](),
		users:    newBroker[UserEvent](),
		messages: newBroker[MessageEvent](),
		recents:  newBroker[RecentRoomsEvent](),
	}

	rooms, err := db.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	for _, r := range rooms {
		if r.LastMessageTimestamp > s.lastTimestamp {
			s.lastTimestamp = r.LastMessageTimestamp
		}
	}
	return s, nil
}

// OnMessage registers a hook run for every created message.
func (s *Store) OnMessage(h MessageHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, h)
}

// serverTimestamp returns a strictly increasing Unix nanosecond timestamp.
// Must be called with s.mu held.
func (s *Store) serverTimestamp() int64 {
	ts := s.now().UnixNano()
	if ts <= s.lastTimestamp {
		ts = s.lastTimestamp + 1
	}
	s.lastTimestamp = ts
	return ts
}

// UpsertRoom creates or renames a room. The last message timestamp is owned
// by the store and preserved.
func (s *Store) UpsertRoom(ctx context.Context, room models.Room) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.db.GetRoom(room.ID)
	switch {
	case err == nil:
		room.LastMessageTimestamp = existing.LastMessageTimestamp
	case !errors.Is(err, models.ErrNotFound):
		return models.Room{}, err
	}
	if err := s.db.UpsertRoom(room); err != nil {
		return models.Room{}, fmt.Errorf("failed to upsert room: %w", err)
	}
	s.rooms.publish(room.ID, RoomEvent{RoomID: room.ID, Room: room, Exists: true})
	return room, nil
}

func (s *Store) Room(ctx context.Context, roomID string) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}
	return s.db.GetRoom(roomID)
}

func (s *Store) Rooms(ctx context.Context) ([]models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListRooms()
}

// WatchRoom streams the room document. A missing room yields an event with
// Exists=false and the stream stays open until the room appears.
func (s *Store) WatchRoom(ctx context.Context, roomID string) (*Subscription[RoomEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	initial := RoomEvent{RoomID: roomID}
	room, err := s.db.GetRoom(roomID)
	switch {
	case err == nil:
		initial.Room = room
		initial.Exists = true
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}
	return s.rooms.subscribe(ctx, roomID, initial), nil
}

// UpsertCredentials persists a user and publishes the public profile.
func (s *Store) UpsertCredentials(credentials auth.UserCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.UpsertCredentials(credentials); err != nil {
		return err
	}
	s.users.publish(credentials.ID, UserEvent{UserID: credentials.ID, User: credentials.User, Exists: true})
	return nil
}

func (s *Store) ListCredentials() ([]auth.UserCredentials, error) {
	return s.db.ListCredentials()
}

func (s *Store) User(ctx context.Context, userID string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	return s.db.GetUser(userID)
}

func (s *Store) WatchUser(ctx context.Context, userID string) (*Subscription[UserEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	initial := UserEvent{UserID: userID}
	user, err := s.db.GetUser(userID)
	switch {
	case err == nil:
		initial.User = user
		initial.Exists = true
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}
	return s.users.subscribe(ctx, userID, initial), nil
}

// AddMessage stores a new message. The store assigns the id and the server
// timestamp; the returned message carries both.
func (s *Store) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	msg.ID = uuid.NewString()
	msg.Timestamp = s.serverTimestamp()
	room, err := s.db.AppendMessage(msg)
	if err != nil {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("failed to add message: %w", err)
	}
	s.messages.publish(msg.RoomID, MessageEvent{Kind: ChangeAdded, RoomID: msg.RoomID, Messages: []models.Message{msg}})
	s.rooms.publish(room.ID, RoomEvent{RoomID: room.ID, Room: room, Exists: true})
	s.mu.Unlock()

	s.hooksMu.RLock()
	for _, h := range s.hooks {
		go h(context.WithoutCancel(ctx), msg)
	}
	s.hooksMu.RUnlock()

	return msg, nil
}

// SetMessageImage resolves the image placeholder of a message. It succeeds at
// most once per message.
func (s *Store) SetMessageImage(ctx context.Context, roomID, messageID, url string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.db.SetMessageImage(roomID, messageID, url)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to set message image: %w", err)
	}
	s.messages.publish(roomID, MessageEvent{Kind: ChangeModified, RoomID: roomID, Messages: []models.Message{msg}})
	return msg, nil
}

func (s *Store) Messages(ctx context.Context, roomID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListMessages(roomID)
}

// WatchMessages streams the room's messages ordered by server timestamp.
func (s *Store) WatchMessages(ctx context.Context, roomID string) (*Subscription[MessageEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.db.ListMessages(roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return s.messages.subscribe(ctx, roomID, MessageEvent{Kind: ChangeSnapshot, RoomID: roomID, Messages: msgs}), nil
}

// TouchRecentRoom upserts the user's pointer to a room, stamped with the
// current server timestamp.
func (s *Store) TouchRecentRoom(ctx context.Context, userID string, recent models.RecentRoom) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recent.Timestamp = s.serverTimestamp()
	if err := s.db.UpsertRecentRoom(userID, recent); err != nil {
		return fmt.Errorf("failed to touch recent room: %w", err)
	}
	rooms, err := s.db.ListRecentRooms(userID)
	if err != nil {
		return err
	}
	s.recents.publish(userID, RecentRoomsEvent{UserID: userID, Rooms: rooms})
	return nil
}

func (s *Store) RecentRooms(ctx context.Context, userID string) ([]models.RecentRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListRecentRooms(userID)
}

func (s *Store) WatchRecentRooms(ctx context.Context, userID string) (*Subscription[RecentRoomsEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms, err := s.db.ListRecentRooms(userID)
	if err != nil {
		return nil, err
	}
	return s.recents.subscribe(ctx, userID, RecentRoomsEvent{UserID: userID, Rooms: rooms}), nil
}

// RoomMembers returns users that have touched the room.
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListRoomMembers(roomID)
}

// PutBlob uploads a blob and records its metadata.
func (s *Store) PutBlob(ctx context.Context, info BlobInfo, r io.Reader) error {
	cr := &countingReader{r: r}
	if err := s.blobs.Put(ctx, info.Name, cr, info.ContentType); err != nil {
		return err
	}
	err := s.db.UpsertBlobMetadata(storage.BlobMetadata{
		Name:      info.Name,
		MimeType:  info.ContentType,
		Size:      cr.n,
		CreatedAt: s.now().Unix(),
		UserID:    info.UserID,
		RoomID:    info.RoomID,
	})
	if err != nil {
		// The blob itself is usable without metadata.
		slog.Warn("failed to record blob metadata", "name", info.Name, "error", err)
	}
	return nil
}

func (s *Store) BlobURL(ctx context.Context, name string) (string, error) {
	return s.blobs.URL(ctx, name)
}

// OpenBlob returns blob content together with its recorded metadata.
func (s *Store) OpenBlob(ctx context.Context, name string) (io.ReadCloser, storage.BlobMetadata, error) {
	meta, err := s.db.GetBlobMetadata(name)
	if err != nil {
		return nil, storage.BlobMetadata{}, err
	}
	rc, err := s.blobs.Get(ctx, name)
	if err != nil {
		return nil, storage.BlobMetadata{}, err
	}
	return rc, meta, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *Store) SavePushSubscription(ctx context.Context, userID string, sub models.PushSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.UpsertPushSubscription(userID, sub)
}

func (s *Store) PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListPushSubscriptions(userID)
}

func (s *Store) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	return s.db.DeletePushSubscription(userID, endpoint)
}
