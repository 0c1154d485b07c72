package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"veranda/internal/models"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	members map[string][]string
	subs    map[string][]models.PushSubscription
	deleted []string
}

func (f *fakeStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	return append([]string(nil), f.members[roomID]...), nil
}

func (f *fakeStore) PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[userID], nil
}

func (f *fakeStore) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, userID+" "+endpoint)
	return nil
}

func newSubscription(t *testing.T, endpoint string) models.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	var sub models.PushSubscription
	sub.Endpoint = endpoint
	sub.Keys.P256dh = base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	sub.Keys.Auth = base64.RawURLEncoding.EncodeToString(auth)
	return sub
}

func TestNotify(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "vapid ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	priv, pub, err := GenerateKeys()
	require.NoError(t, err)

	store := &fakeStore{
		members: map[string][]string{"lobby": {"alice", "bob", "carol"}},
		subs: map[string][]models.PushSubscription{
			"alice": {newSubscription(t, srv.URL+"/alice")},
			"bob":   {newSubscription(t, srv.URL+"/bob")},
			"carol": {newSubscription(t, srv.URL+"/gone")},
		},
	}
	n := NewNotifier(store, nil, Config{PublicKey: pub, PrivateKey: priv, Subject: "mailto:admin@example.com"}, srv.Client())

	n.Notify(context.Background(), models.Message{RoomID: "lobby", SenderID: "alice", SenderName: "Alice", Text: "hi"})

	sort.Strings(hits)
	require.Equal(t, []string{"/bob", "/gone"}, hits, "sender is not notified")
	require.Equal(t, []string{"carol " + srv.URL + "/gone"}, store.deleted)
}

func TestNotify_ManySubscriptions(t *testing.T) {
	var mu sync.Mutex
	sizes := map[string]int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sizes[r.URL.Path] = r.ContentLength
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	priv, pub, err := GenerateKeys()
	require.NoError(t, err)

	var subs []models.PushSubscription
	for i := range 3 * maxParallel {
		subs = append(subs, newSubscription(t, fmt.Sprintf("%s/bob/%d", srv.URL, i)))
	}
	store := &fakeStore{
		members: map[string][]string{"lobby": {"alice", "bob"}},
		subs:    map[string][]models.PushSubscription{"bob": subs},
	}
	n := NewNotifier(store, nil, Config{PublicKey: pub, PrivateKey: priv, Subject: "mailto:admin@example.com"}, srv.Client())

	n.Notify(context.Background(), models.Message{RoomID: "lobby", SenderID: "alice", SenderName: "Alice", Text: "hello everyone"})

	require.Len(t, sizes, len(subs))
	var first int64
	for _, size := range sizes {
		if first == 0 {
			first = size
		}
		require.Equal(t, first, size, "every device gets the same padded record")
	}
	require.Empty(t, store.deleted)
}

func TestRecipients_DirectMessage(t *testing.T) {
	n := NewNotifier(&fakeStore{}, nil, Config{}, nil)
	got, err := n.recipients(context.Background(), models.Message{RoomID: models.DMRoomID("u1", "u2"), SenderID: "u2"})
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, got)
}

type viewing map[string]string

func (v viewing) Viewing(userID, roomID string) bool {
	return v[userID] == roomID
}

func TestRecipients_SkipsViewers(t *testing.T) {
	store := &fakeStore{members: map[string][]string{"lobby": {"a", "b", "c"}}}
	n := NewNotifier(store, viewing{"b": "lobby", "c": "porch"}, Config{}, nil)
	got, err := n.recipients(context.Background(), models.Message{RoomID: "lobby", SenderID: "a"})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, got)
}

func TestPayload(t *testing.T) {
	p := payloadFor(models.Message{RoomID: "lobby", SenderName: "Bob", ImageURL: models.ImageUploading})
	require.Equal(t, "Sent an image", p.Body)
	require.Equal(t, "/room/lobby", p.URL)

	long := strings.Repeat("a", 300)
	p = payloadFor(models.Message{Text: long})
	require.Equal(t, maxBody+1, len([]rune(p.Body)))
}

func TestConfigEnabled(t *testing.T) {
	require.False(t, Config{}.Enabled())
	require.True(t, Config{PublicKey: "a", PrivateKey: "b"}.Enabled())
}
