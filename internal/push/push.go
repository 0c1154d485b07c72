// Package push sends web push notifications for new messages.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"veranda/internal/models"
	"veranda/internal/shell"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"
)

const (
	maxParallel = 8
	ttl         = 24 * 60 * 60
	maxBody     = 120
)

type Store interface {
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

// Presence tells which users already see the room on screen.
type Presence interface {
	Viewing(userID, roomID string) bool
}

type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type Notifier struct {
	store    Store
	presence Presence
	config   Config
	client   *http.Client
}

type Payload struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	RoomID string `json:"roomId"`
	URL    string `json:"url"`
}

// NewNotifier creates a notifier. presence may be nil.
func NewNotifier(store Store, presence Presence, config Config, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notifier{store: store, presence: presence, config: config, client: client}
}

// Notify pushes msg to every subscribed device of the room's members except
// the sender and those looking at the room right now. Gone subscriptions are
// removed.
func (n *Notifier) Notify(ctx context.Context, msg models.Message) {
	recipients, err := n.recipients(ctx, msg)
	if err != nil {
		slog.Warn("failed to resolve push recipients", "room", msg.RoomID, "error", err)
		return
	}

	payload, err := json.Marshal(payloadFor(msg))
	if err != nil {
		slog.Error("failed to marshal push payload", "error", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, userID := range recipients {
		subs, err := n.store.PushSubscriptions(ctx, userID)
		if err != nil {
			slog.Warn("failed to list push subscriptions", "user", userID, "error", err)
			continue
		}
		for _, sub := range subs {
			// webpush pads the message in place.
			body := bytes.Clone(payload)
			g.Go(func() error {
				n.send(ctx, userID, sub, body)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (n *Notifier) recipients(ctx context.Context, msg models.Message) ([]string, error) {
	var members []string
	if a, b, ok := models.DMParticipants(msg.RoomID); ok {
		members = []string{a, b}
	} else {
		var err error
		members, err = n.store.RoomMembers(ctx, msg.RoomID)
		if err != nil {
			return nil, err
		}
	}

	out := members[:0]
	for _, id := range members {
		if id == msg.SenderID {
			continue
		}
		if n.presence != nil && n.presence.Viewing(id, msg.RoomID) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (n *Notifier) send(ctx context.Context, userID string, sub models.PushSubscription, payload []byte) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      n.client,
		Subscriber:      n.config.Subject,
		VAPIDPublicKey:  n.config.PublicKey,
		VAPIDPrivateKey: n.config.PrivateKey,
		TTL:             ttl,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		slog.Warn("failed to send push notification", "user", userID, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		if err := n.store.DeletePushSubscription(ctx, userID, sub.Endpoint); err != nil {
			slog.Warn("failed to delete push subscription", "user", userID, "error", err)
		}
	case resp.StatusCode >= 400:
		slog.Warn("push service rejected notification", "user", userID, "status", resp.StatusCode)
	}
}

func payloadFor(msg models.Message) Payload {
	body := msg.Text
	if body == "" && msg.HasImage() {
		body = "Sent an image"
	}
	if r := []rune(body); len(r) > maxBody {
		body = string(r[:maxBody]) + "…"
	}
	return Payload{
		Title:  msg.SenderName,
		Body:   body,
		RoomID: msg.RoomID,
		URL:    shell.RoomPath(msg.RoomID),
	}
}

// GenerateKeys returns a new VAPID key pair.
func GenerateKeys() (privateKey, publicKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate vapid keys: %w", err)
	}
	return privateKey, publicKey, nil
}
