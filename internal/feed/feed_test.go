package feed

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"veranda/internal/filestore"
	"veranda/internal/models"
	"veranda/internal/realtime"
	"veranda/internal/storage"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	sub     *realtime.Subscription[realtime.MessageEvent]
	publish func(realtime.MessageEvent)
	err     error
}

func (f *fakeSource) WatchMessages(ctx context.Context, roomID string) (*realtime.Subscription[realtime.MessageEvent], error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sub, f.publish = realtime.NewStream[realtime.MessageEvent](ctx)
	return f.sub, nil
}

func nextUpdate(t *testing.T, f *Feed) Update {
	t.Helper()
	select {
	case u, ok := <-f.Updates():
		require.True(t, ok, "feed closed unexpectedly")
		return u
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for feed update")
	}
	return Update{}
}

func msg(id string, ts int64) models.Message {
	return models.Message{ID: id, RoomID: "lobby", Timestamp: ts, Text: id}
}

func TestFeed_OrdersByServerTimestamp(t *testing.T) {
	src := &fakeSource{}
	f, err := Open(context.Background(), src, "lobby")
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, "lobby", f.RoomID())

	src.publish(realtime.MessageEvent{Kind: realtime.ChangeSnapshot, Messages: []models.Message{msg("c", 30), msg("a", 10), msg("b", 20)}})
	u := nextUpdate(t, f)
	require.Equal(t, realtime.ChangeSnapshot, u.Kind)
	require.Equal(t, []string{"a", "b", "c"}, ids(u.Messages))

	src.publish(realtime.MessageEvent{Kind: realtime.ChangeAdded, Messages: []models.Message{msg("d", 40)}})
	u = nextUpdate(t, f)
	require.Equal(t, realtime.ChangeAdded, u.Kind)
	require.Equal(t, 3, u.Index)

	// A late delivery with an older timestamp still lands in order.
	src.publish(realtime.MessageEvent{Kind: realtime.ChangeAdded, Messages: []models.Message{msg("ab", 15)}})
	u = nextUpdate(t, f)
	require.Equal(t, 1, u.Index)

	got := f.Messages()
	require.Equal(t, []string{"a", "ab", "b", "c", "d"}, ids(got))
	for i := 1; i < len(got); i++ {
		require.LessOrEqual(t, got[i-1].Timestamp, got[i].Timestamp)
	}
}

func TestFeed_ModifiedReplacesInPlace(t *testing.T) {
	src := &fakeSource{}
	f, err := Open(context.Background(), src, "lobby")
	require.NoError(t, err)
	defer f.Close()

	pending := msg("img", 10)
	pending.ImageURL = models.ImageUploading
	src.publish(realtime.MessageEvent{Kind: realtime.ChangeSnapshot, Messages: []models.Message{pending, msg("z", 20)}})
	nextUpdate(t, f)

	resolved := pending
	resolved.ImageURL = "https://cdn/img.jpg"
	src.publish(realtime.MessageEvent{Kind: realtime.ChangeModified, Messages: []models.Message{resolved}})
	u := nextUpdate(t, f)
	require.Equal(t, realtime.ChangeModified, u.Kind)
	require.Equal(t, 0, u.Index)

	got := f.Messages()
	require.Len(t, got, 2)
	require.Equal(t, "https://cdn/img.jpg", got[0].ImageURL)

	// Modification of an unknown message is treated as an addition.
	src.publish(realtime.MessageEvent{Kind: realtime.ChangeModified, Messages: []models.Message{msg("new", 30)}})
	u = nextUpdate(t, f)
	require.Equal(t, realtime.ChangeAdded, u.Kind)
	require.Len(t, f.Messages(), 3)
}

func TestFeed_CloseStopsUpdates(t *testing.T) {
	src := &fakeSource{}
	f, err := Open(context.Background(), src, "lobby")
	require.NoError(t, err)

	f.Close()
	_, ok := <-f.Updates()
	require.False(t, ok)

	select {
	case <-src.sub.Done():
	default:
		t.Error("subscription not closed")
	}
}

func TestFeed_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{}
	f, err := Open(ctx, src, "lobby")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-f.Updates():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed did not stop on cancel")
	}
	f.Close()
}

func TestFeed_OpenError(t *testing.T) {
	_, err := Open(context.Background(), &fakeSource{err: errors.New("boom")}, "lobby")
	require.Error(t, err)
}

func TestFeed_WithRealtimeStore(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewBboltStorage(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	blobs, err := filestore.NewLocalFileStore(filepath.Join(dir, "uploads"), "http://localhost")
	require.NoError(t, err)
	store, err := realtime.New(db, blobs)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.UpsertRoom(ctx, models.Room{ID: "lobby", Name: "Lobby"})
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, models.Message{RoomID: "lobby", Text: "first"})
	require.NoError(t, err)

	f, err := Open(ctx, store, "lobby")
	require.NoError(t, err)
	defer f.Close()

	u := nextUpdate(t, f)
	require.Equal(t, realtime.ChangeSnapshot, u.Kind)
	require.Len(t, u.Messages, 1)

	for _, text := range []string{"second", "third"} {
		_, err = store.AddMessage(ctx, models.Message{RoomID: "lobby", Text: text})
		require.NoError(t, err)
	}
	nextUpdate(t, f)
	u = nextUpdate(t, f)
	require.Equal(t, 2, u.Index)
	require.Equal(t, "third", u.Message.Text)

	got := f.Messages()
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1].Timestamp, got[i].Timestamp)
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
