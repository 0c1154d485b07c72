package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrImageAlreadySet  = errors.New("message has no pending image upload")
	ErrNotImage         = errors.New("file is not a supported image")
	ErrTooLarge         = errors.New("file is too large")
	ErrNoPendingImage   = errors.New("no pending image")
	ErrSendNotRetryable = errors.New("send is not in a failed state")
)

// ImageUploading is stored in Message.ImageURL between message creation
// and the moment the attached image has been uploaded.
const ImageUploading = "uploading"

// User represents a user in the system.
type User struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Room represents a chat room document.
type Room struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	PhotoURL             string `json:"photoURL,omitempty"`
	LastMessageTimestamp int64  `json:"lastMessageTimestamp,omitempty"` // Unix nanoseconds, server assigned
	IsDM                 bool   `json:"isDm,omitempty"`
}

// RecentRoom is the per-user pointer to a room the user has recently sent to.
type RecentRoom struct {
	RoomID    string `json:"roomId"`
	Name      string `json:"name"`
	PhotoURL  string `json:"photoURL,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix nanoseconds
}

// Message represents a chat message.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	SenderName string `json:"name"`
	SenderID   string `json:"uid"`
	Text       string `json:"message"`
	ImageURL   string `json:"imageUrl,omitempty"`
	ImageName  string `json:"imageName,omitempty"`
	Timestamp  int64  `json:"timestamp"` // Unix nanoseconds, server assigned
	Time       string `json:"time"`      // Client wall clock, HTTP date format
}

// HasImage reports whether the message carries an image, resolved or not.
func (m Message) HasImage() bool {
	return m.ImageURL != ""
}

// ImagePending reports whether the attached image is still being uploaded.
func (m Message) ImagePending() bool {
	return m.ImageURL == ImageUploading
}

// PushSubscription is a browser web push endpoint registered by a user.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DMRoomID returns the deterministic direct message room id for two users.
func DMRoomID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}

// DMPeer returns the other participant of a direct message room.
// ok is false when roomID is not a DM room or userID is not part of it.
func DMPeer(roomID, userID string) (string, bool) {
	a, b, ok := DMParticipants(roomID)
	if !ok {
		return "", false
	}
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

// DMParticipants splits a direct message room id into its two user ids.
func DMParticipants(roomID string) (string, string, bool) {
	if !strings.HasPrefix(roomID, "dm_") {
		return "", "", false
	}
	parts := strings.Split(roomID[3:], "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
