package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"veranda/internal/composer"
	"veranda/internal/content"
	"veranda/internal/feed"
	"veranda/internal/models"
	"veranda/internal/outbox"
	"veranda/internal/realtime"
	"veranda/internal/room"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type connectionHub interface {
	join(c *Connection)
	leave(c *Connection)
	enter(c *Connection, roomID string)
}

// Connection is one browser tab. The main loop owns the route state: the
// room view, the message feed and the composer's room.
type Connection struct {
	ws         wsConnection
	hub        connectionHub
	deps       Deps
	user       models.User
	composer   *composer.Composer
	fromClient chan models.ClientMessage
	events     chan models.ServerMessage
	sends      *realtime.Subscription[models.ServerMessage]
	pushSend   func(models.ServerMessage)
	errorCh    chan error
	done       chan struct{}

	// main loop only
	mounted *mount
	chats   *realtime.Subscription[realtime.RecentRoomsEvent]
}

// mount is the set of live views of the open room.
type mount struct {
	roomID string
	cancel context.CancelFunc
	live   *room.Live
	feed   *feed.Feed
	wg     sync.WaitGroup
}

func NewConnection(hub connectionHub, deps Deps, ws wsConnection, user models.User) *Connection {
	c := &Connection{
		ws:         ws,
		hub:        hub,
		deps:       deps,
		user:       user,
		fromClient: make(chan models.ClientMessage),
		events:     make(chan models.ServerMessage, 64),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
	// Send records are produced on the main loop itself, so they get a
	// mailbox that never blocks.
	c.sends, c.pushSend = realtime.NewStream[models.ServerMessage](context.Background())
	c.composer = composer.New(deps.Store, deps.Compressor, user, deps.Composer, c.onSend)
	return c
}

func (c *Connection) User() models.User {
	return c.user
}

// Close drops the websocket, which ends Handle.
func (c *Connection) Close() {
	_ = c.ws.Close()
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.hub.join(c)
	defer func() {
		c.unmount()
		if c.chats != nil {
			c.chats.Close()
		}
		c.sends.Close()
		close(c.done)
		close(c.fromClient)
		close(c.errorCh)
		c.hub.leave(c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(ctx, msg); err != nil {
				return err
			}
		case msg := <-c.events:
			if msg.RoomID != "" && !c.showing(msg.RoomID) {
				// Late event of a room that was closed.
				continue
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case msg := <-c.sends.C():
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) showing(roomID string) bool {
	return c.mounted != nil && c.mounted.roomID == roomID
}

func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) error {
	switch msg.Type {
	case models.ClientMessageTypeOpen:
		return c.open(ctx, msg.RoomID)
	case models.ClientMessageTypeBack:
		c.unmount()
		c.composer.SetRoom("", nil)
		c.hub.enter(c, "")
		return c.ws.WriteJSON(models.ServerMessage{Type: models.ServerMessageTypeRoute})
	case models.ClientMessageTypeInput:
		c.composer.SetInput(msg.Text)
	case models.ClientMessageTypeAttach:
		if _, err := c.composer.Attach(msg.FileName, msg.Data); err != nil {
			return c.writeError(msg.RoomID, err)
		}
		return c.writeComposer()
	case models.ClientMessageTypeCancelAttachment:
		c.composer.ClosePreview()
		return c.writeComposer()
	case models.ClientMessageTypeSend:
		if msg.Text != "" {
			c.composer.SetInput(msg.Text)
		}
		if _, ok := c.composer.Send(ctx); !ok {
			return nil
		}
		return c.writeComposer()
	case models.ClientMessageTypeRetry:
		if _, err := c.composer.Retry(ctx, msg.SendID); err != nil {
			return c.writeError("", err)
		}
	case models.ClientMessageTypeWatchChats:
		return c.watchChats(ctx)
	default:
		return c.writeError("", fmt.Errorf("unknown message type %q", msg.Type))
	}
	return nil
}

func (c *Connection) open(ctx context.Context, roomID string) error {
	if err := content.ValidateRoomID(roomID); err != nil {
		return c.writeError(roomID, err)
	}
	if a, b, ok := models.DMParticipants(roomID); ok && a != c.user.ID && b != c.user.ID {
		return c.writeError(roomID, errors.New("not a participant of this conversation"))
	}
	if c.showing(roomID) {
		return nil
	}

	c.unmount()
	m, err := c.mount(ctx, roomID)
	if err != nil {
		slog.Error("failed to open room", "user", c.user.ID, "room", roomID, "error", err)
		c.composer.SetRoom("", nil)
		c.hub.enter(c, "")
		return c.writeError(roomID, err)
	}
	c.mounted = m
	c.composer.SetRoom(roomID, m.live)
	c.hub.enter(c, roomID)

	if err := c.ws.WriteJSON(models.ServerMessage{Type: models.ServerMessageTypeRoute, RoomID: roomID}); err != nil {
		return err
	}
	if err := c.writeComposer(); err != nil {
		return err
	}
	// Sends to this room made earlier in the session, failed ones included.
	for _, rec := range c.composer.Sends(0) {
		if rec.RoomID != roomID {
			continue
		}
		if err := c.ws.WriteJSON(sendMessage(rec)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) mount(ctx context.Context, roomID string) (*mount, error) {
	ctx, cancel := context.WithCancel(ctx)
	live, err := c.deps.Resolver.Watch(ctx, roomID, c.user.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	f, err := feed.Open(ctx, c.deps.Messages, roomID)
	if err != nil {
		cancel()
		live.Close()
		return nil, err
	}

	m := &mount{roomID: roomID, cancel: cancel, live: live, feed: f}
	m.wg.Go(func() {
		for r := range live.Updates() {
			c.emit(ctx, models.ServerMessage{Type: models.ServerMessageTypeRoom, RoomID: roomID, Room: &r})
		}
	})
	m.wg.Go(func() {
		for u := range f.Updates() {
			c.emit(ctx, feedMessage(roomID, u))
		}
	})
	return m, nil
}

func (c *Connection) unmount() {
	m := c.mounted
	if m == nil {
		return
	}
	c.mounted = nil
	m.cancel()
	m.wg.Wait()
	m.feed.Close()
	m.live.Close()
}

func (c *Connection) watchChats(ctx context.Context) error {
	if c.chats != nil {
		return nil
	}
	sub, err := c.deps.Recents.WatchRecentRooms(ctx, c.user.ID)
	if err != nil {
		return c.writeError("", err)
	}
	c.chats = sub
	go func() {
		for ev := range sub.C() {
			rooms := ev.Rooms
			if rooms == nil {
				rooms = []models.RecentRoom{}
			}
			c.emit(ctx, models.ServerMessage{Type: models.ServerMessageTypeChats, Chats: rooms})
		}
	}()
	return nil
}

// emit hands an event to the main loop unless the connection or the
// producer's context is gone.
func (c *Connection) emit(ctx context.Context, msg models.ServerMessage) {
	select {
	case c.events <- msg:
	case <-ctx.Done():
	case <-c.done:
	}
}

func (c *Connection) onSend(rec outbox.Record) {
	c.pushSend(sendMessage(rec))
}

func sendMessage(rec outbox.Record) models.ServerMessage {
	return models.ServerMessage{
		Type:   models.ServerMessageTypeSend,
		RoomID: rec.RoomID,
		Send: &models.SendView{
			ID:        rec.ID,
			MessageID: rec.MessageID,
			State:     string(rec.State),
			Stage:     string(rec.Stage),
			Error:     rec.Error,
		},
	}
}

func (c *Connection) writeComposer() error {
	v := c.composer.View()
	return c.ws.WriteJSON(models.ServerMessage{
		Type:     models.ServerMessageTypeComposer,
		RoomID:   c.composer.RoomID(),
		Composer: &models.ComposerView{Input: v.Input, PreviewSrc: v.PreviewSrc},
	})
}

func (c *Connection) writeError(roomID string, err error) error {
	return c.ws.WriteJSON(models.ServerMessage{
		Type:   models.ServerMessageTypeError,
		RoomID: roomID,
		Error:  err.Error(),
	})
}

func feedMessage(roomID string, u feed.Update) models.ServerMessage {
	if u.Kind == realtime.ChangeSnapshot {
		views := make([]models.MessageView, len(u.Messages))
		for i, m := range u.Messages {
			views[i] = messageView(m)
		}
		return models.ServerMessage{Type: models.ServerMessageTypeMessages, RoomID: roomID, Messages: views}
	}
	return models.ServerMessage{
		Type:     models.ServerMessageTypeMessage,
		RoomID:   roomID,
		Change:   string(u.Kind),
		Index:    u.Index,
		Messages: []models.MessageView{messageView(u.Message)},
	}
}

func messageView(m models.Message) models.MessageView {
	return models.MessageView{Message: m, HTML: content.Render(m.Text)}
}
