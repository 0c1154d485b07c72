// Package composer implements message input, image attachment and the send
// pipeline of a chat session.
package composer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"veranda/internal/images"
	"veranda/internal/models"
	"veranda/internal/outbox"
	"veranda/internal/realtime"

	"github.com/google/uuid"
)

// Store is the part of the realtime store the composer writes to.
type Store interface {
	TouchRecentRoom(ctx context.Context, userID string, recent models.RecentRoom) error
	AddMessage(ctx context.Context, msg models.Message) (models.Message, error)
	SetMessageImage(ctx context.Context, roomID, messageID, url string) (models.Message, error)
	PutBlob(ctx context.Context, info realtime.BlobInfo, r io.Reader) error
	BlobURL(ctx context.Context, name string) (string, error)
}

type Compressor interface {
	Compress(ctx context.Context, data []byte) ([]byte, string, error)
}

// RoomView provides the current room document for the room-touch step.
type RoomView interface {
	Current() (models.Room, bool)
}

type Config struct {
	MaxImageBytes int64
	SendTimeout   time.Duration
	RecentSends   int
}

// PendingUpload is an attached image waiting to be sent.
type PendingUpload struct {
	Data           []byte
	FileName       string
	MimeType       string
	PreviewDataURL string
	GeneratedName  string
}

// View is the visible composer state.
type View struct {
	Input      string
	PreviewSrc string
}

type Composer struct {
	store      Store
	compressor Compressor
	config     Config
	user       models.User
	now        func() time.Time

	mu      sync.Mutex
	roomID  string
	room    RoomView
	input   string
	pending *PendingUpload
	jobs    map[string]*job

	sends *outbox.Outbox
	wg    sync.WaitGroup
}

// job holds what a send needs to be resumed after a failure.
type job struct {
	ctx     context.Context
	running bool
	failed  bool

	message models.Message
	created bool
	upload  *PendingUpload

	compressed  []byte
	contentType string
	uploaded    bool
	url         string
}

// New creates a composer for the given sender. onSend, when set, receives
// every change of a send record, from any goroutine.
func New(store Store, compressor Compressor, user models.User, config Config, onSend func(outbox.Record)) *Composer {
	if config.SendTimeout <= 0 {
		config.SendTimeout = 2 * time.Minute
	}
	if config.RecentSends <= 0 {
		config.RecentSends = 32
	}
	c := &Composer{
		store:      store,
		compressor: compressor,
		config:     config,
		user:       user,
		now:        time.Now,
		jobs:       make(map[string]*job),
	}
	c.sends = outbox.New(outbox.Config{
		MaxRecords:     config.RecentSends,
		RecordCallback: onSend,
		EvictCallback: func(r outbox.Record) {
			c.mu.Lock()
			delete(c.jobs, r.ID)
			c.mu.Unlock()
		},
	})
	return c
}

// SetRoom points the composer at another room. Input and attachment belong to
// the previous room and are dropped; sends in flight carry on.
func (c *Composer) SetRoom(roomID string, room RoomView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.room = room
	c.input = ""
	c.pending = nil
}

func (c *Composer) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Composer) SetInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = text
}

func (c *Composer) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Attach validates an image and makes it the pending upload, replacing any
// previous one.
func (c *Composer) Attach(fileName string, data []byte) (PendingUpload, error) {
	if c.config.MaxImageBytes > 0 && int64(len(data)) > c.config.MaxImageBytes {
		return PendingUpload{}, fmt.Errorf("%s: %w", fileName, models.ErrTooLarge)
	}
	mime, err := images.Sniff(data)
	if err != nil {
		return PendingUpload{}, fmt.Errorf("%s: %w", fileName, err)
	}
	preview, err := images.PreviewDataURL(data)
	if err != nil {
		return PendingUpload{}, err
	}

	p := &PendingUpload{
		Data:           data,
		FileName:       fileName,
		MimeType:       mime,
		PreviewDataURL: preview,
		GeneratedName:  uuid.NewString(),
	}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
	return *p, nil
}

func (c *Composer) Pending() (PendingUpload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingUpload{}, false
	}
	return *c.pending, true
}

// ClosePreview drops the pending upload. Uploads already sent are not affected.
func (c *Composer) ClosePreview() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

func (c *Composer) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{Input: c.input}
	if c.pending != nil {
		v.PreviewSrc = c.pending.PreviewDataURL
	}
	return v
}

// accepts reports whether a submit with this input is a send.
// Whitespace-only text is only allowed to be empty when an image is attached.
func accepts(text string, hasImage bool) bool {
	return strings.TrimSpace(text) != "" || (text == "" && hasImage)
}

// Send submits the current input and attachment. Input and attachment are
// cleared before Send returns; the message is written in the background.
// ok is false when there is nothing to send.
func (c *Composer) Send(ctx context.Context) (outbox.Record, bool) {
	c.mu.Lock()
	text, pending, roomID, room := c.input, c.pending, c.roomID, c.room
	if roomID == "" || !accepts(text, pending != nil) {
		c.mu.Unlock()
		return outbox.Record{}, false
	}
	c.input = ""
	c.pending = nil
	c.mu.Unlock()

	msg := models.Message{
		RoomID:     roomID,
		SenderName: senderName(c.user),
		SenderID:   c.user.ID,
		Text:       text,
		Time:       c.now().UTC().Format(http.TimeFormat),
	}
	if pending != nil {
		msg.ImageURL = models.ImageUploading
		msg.ImageName = pending.GeneratedName
	}

	j := &job{
		ctx:     context.WithoutCancel(ctx),
		running: true,
		message: msg,
		upload:  pending,
	}
	id := uuid.NewString()
	c.mu.Lock()
	c.jobs[id] = j
	c.mu.Unlock()

	rec := c.sends.Add(outbox.Record{
		ID:        id,
		RoomID:    roomID,
		State:     outbox.StatePending,
		Stage:     outbox.StageCreate,
		HasImage:  pending != nil,
		UpdatedAt: c.now().UnixNano(),
	})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.touchRoom(j.ctx, roomID, room)
	}()
	go func() {
		defer c.wg.Done()
		c.run(id, j)
	}()
	return rec, true
}

// Retry resumes a failed send from the stage it failed in. A message that was
// already created is never created again.
func (c *Composer) Retry(ctx context.Context, sendID string) (outbox.Record, error) {
	if _, ok := c.sends.Get(sendID); !ok {
		return outbox.Record{}, fmt.Errorf("send %s: %w", sendID, models.ErrNotFound)
	}

	c.mu.Lock()
	j, ok := c.jobs[sendID]
	if !ok || j.running || !j.failed {
		// Finished sends have no job left.
		c.mu.Unlock()
		return outbox.Record{}, models.ErrSendNotRetryable
	}
	j.running = true
	j.failed = false
	j.ctx = context.WithoutCancel(ctx)
	c.mu.Unlock()

	rec, err := c.sends.Update(sendID, func(r *outbox.Record) {
		r.State = outbox.StatePending
		r.Error = ""
		r.UpdatedAt = c.now().UnixNano()
	})
	if err != nil {
		return outbox.Record{}, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(sendID, j)
	}()
	return rec, nil
}

// Sends returns up to n most recent send records, oldest first. n <= 0
// returns every retained record.
func (c *Composer) Sends(n int) []outbox.Record {
	if n <= 0 {
		n = c.config.RecentSends
	}
	recs, _ := c.sends.GetLastRecords(n)
	return recs
}

// Wait blocks until all background work started so far has finished.
func (c *Composer) Wait() {
	c.wg.Wait()
}

func (c *Composer) touchRoom(ctx context.Context, roomID string, view RoomView) {
	recent := models.RecentRoom{RoomID: roomID, Name: roomID}
	if view != nil {
		if room, ok := view.Current(); ok {
			recent.Name = room.Name
			recent.PhotoURL = room.PhotoURL
		}
	}
	if err := c.store.TouchRecentRoom(ctx, c.user.ID, recent); err != nil {
		slog.Warn("failed to touch recent room", "user", c.user.ID, "room", roomID, "error", err)
	}
}

// run drives a send through the remaining pipeline stages. Only the
// goroutine holding j.running touches the job's fields.
func (c *Composer) run(id string, j *job) {
	ctx, cancel := context.WithTimeout(j.ctx, c.config.SendTimeout)
	defer cancel()

	stage, err := c.advance(ctx, id, j)

	c.mu.Lock()
	j.running = false
	j.failed = err != nil
	if err == nil {
		delete(c.jobs, id)
	}
	c.mu.Unlock()

	if err != nil {
		slog.Error("send failed", "send", id, "room", j.message.RoomID, "stage", stage, "error", err)
		_, _ = c.sends.Update(id, func(r *outbox.Record) {
			r.State = outbox.StateFailed
			r.Stage = stage
			r.Error = err.Error()
			r.UpdatedAt = c.now().UnixNano()
		})
		return
	}
	_, _ = c.sends.Update(id, func(r *outbox.Record) {
		r.State = outbox.StateConfirmed
		r.Stage = outbox.StageDone
		r.UpdatedAt = c.now().UnixNano()
	})
}

func (c *Composer) advance(ctx context.Context, id string, j *job) (outbox.Stage, error) {
	if !j.created {
		msg, err := c.store.AddMessage(ctx, j.message)
		if err != nil {
			return outbox.StageCreate, err
		}
		j.message = msg
		j.created = true
		next := outbox.StageDone
		if j.upload != nil {
			next = outbox.StageCompress
		}
		c.setStage(id, next, msg.ID)
	}
	if j.upload == nil {
		return outbox.StageDone, nil
	}

	if j.compressed == nil {
		data, contentType, err := c.compressor.Compress(ctx, j.upload.Data)
		if err != nil {
			return outbox.StageCompress, err
		}
		j.compressed, j.contentType = data, contentType
		c.setStage(id, outbox.StageUpload, "")
	}

	if !j.uploaded {
		info := realtime.BlobInfo{
			Name:        j.message.ImageName,
			ContentType: j.contentType,
			UserID:      c.user.ID,
			RoomID:      j.message.RoomID,
		}
		if err := c.store.PutBlob(ctx, info, bytes.NewReader(j.compressed)); err != nil {
			return outbox.StageUpload, err
		}
		j.uploaded = true
		c.setStage(id, outbox.StageURL, "")
	}

	if j.url == "" {
		url, err := c.store.BlobURL(ctx, j.message.ImageName)
		if err != nil {
			return outbox.StageURL, err
		}
		j.url = url
		c.setStage(id, outbox.StageUpdate, "")
	}

	_, err := c.store.SetMessageImage(ctx, j.message.RoomID, j.message.ID, j.url)
	// The placeholder belongs to this send, so an already resolved image
	// means an earlier attempt got through.
	if err != nil && !errors.Is(err, models.ErrImageAlreadySet) {
		return outbox.StageUpdate, err
	}
	return outbox.StageDone, nil
}

func (c *Composer) setStage(id string, stage outbox.Stage, messageID string) {
	_, _ = c.sends.Update(id, func(r *outbox.Record) {
		r.Stage = stage
		if messageID != "" {
			r.MessageID = messageID
		}
		r.UpdatedAt = c.now().UnixNano()
	})
}

func senderName(u models.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.UserName
}
