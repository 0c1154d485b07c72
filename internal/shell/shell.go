// Package shell decides which top-level view a client shows.
package shell

import (
	"strings"
)

const DefaultMobileBreakpoint = 760

type View string

const (
	ViewLogin       View = "login"
	ViewSidebar     View = "sidebar"
	ViewSidebarChat View = "sidebarChat"
)

const (
	PathHome  = "/"
	PathChats = "/chats"
	roomPath  = "/room/"
)

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Decision is the layout for one (auth, viewport, route) combination.
// When Redirect is set the client should navigate there and ask again.
type Decision struct {
	View     View   `json:"view"`
	Redirect string `json:"redirect,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	Mobile   bool   `json:"mobile"`
	ShowBack bool   `json:"showBack,omitempty"`
}

type Shell struct {
	breakpoint int
}

func New(breakpoint int) *Shell {
	if breakpoint <= 0 {
		breakpoint = DefaultMobileBreakpoint
	}
	return &Shell{breakpoint: breakpoint}
}

func (s *Shell) IsMobile(v Viewport) bool {
	return v.Width <= s.breakpoint
}

// Decide picks the view. Mobile clients land on the chat list at /chats,
// desktop clients show the list next to the chat at /.
func (s *Shell) Decide(authenticated bool, v Viewport, path string) Decision {
	mobile := s.IsMobile(v)
	if !authenticated {
		return Decision{View: ViewLogin, Mobile: mobile}
	}

	if roomID, ok := RoomFromPath(path); ok {
		return Decision{View: ViewSidebarChat, RoomID: roomID, Mobile: mobile, ShowBack: mobile}
	}

	switch {
	case mobile && path == PathHome:
		return Decision{View: ViewSidebar, Redirect: PathChats, Mobile: true}
	case !mobile && path == PathChats:
		return Decision{View: ViewSidebarChat, Redirect: PathHome}
	case mobile:
		return Decision{View: ViewSidebar, Mobile: true}
	}
	return Decision{View: ViewSidebarChat}
}

// BackPath is where the back action leads from a room.
func (s *Shell) BackPath(v Viewport) string {
	if s.IsMobile(v) {
		return PathChats
	}
	return PathHome
}

// RoomFromPath extracts the room id from a /room/{id} route.
func RoomFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, roomPath) {
		return "", false
	}
	id := strings.TrimSuffix(path[len(roomPath):], "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func RoomPath(roomID string) string {
	return roomPath + roomID
}
