package models

// ClientMessage represents a message sent from the browser to the server.
type ClientMessage struct {
	Type     ClientMessageType `json:"type"`
	RoomID   string            `json:"roomId,omitempty"`
	Text     string            `json:"text,omitempty"`
	FileName string            `json:"name,omitempty"`
	Data     []byte            `json:"data,omitempty"` // base64 in JSON
	SendID   string            `json:"sendId,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeOpen             ClientMessageType = "open"
	ClientMessageTypeBack             ClientMessageType = "back"
	ClientMessageTypeInput            ClientMessageType = "input"
	ClientMessageTypeAttach           ClientMessageType = "attach"
	ClientMessageTypeCancelAttachment ClientMessageType = "cancelAttachment"
	ClientMessageTypeSend             ClientMessageType = "send"
	ClientMessageTypeRetry            ClientMessageType = "retry"
	ClientMessageTypeWatchChats       ClientMessageType = "watchChats"
)

// ServerMessage represents a message to the browser.
type ServerMessage struct {
	Type     ServerMessageType `json:"type"`
	RoomID   string            `json:"roomId,omitempty"`
	Room     *Room             `json:"room,omitempty"`
	Messages []MessageView     `json:"messages,omitempty"`
	Change   string            `json:"change,omitempty"`
	Index    int               `json:"index,omitempty"`
	Composer *ComposerView     `json:"composer,omitempty"`
	Send     *SendView         `json:"send,omitempty"`
	Chats    []RecentRoom      `json:"chats,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageTypeRoute    ServerMessageType = "route"
	ServerMessageTypeRoom     ServerMessageType = "room"
	ServerMessageTypeMessages ServerMessageType = "messages"
	ServerMessageTypeMessage  ServerMessageType = "message"
	ServerMessageTypeComposer ServerMessageType = "composer"
	ServerMessageTypeSend     ServerMessageType = "send"
	ServerMessageTypeChats    ServerMessageType = "chats"
	ServerMessageTypeError    ServerMessageType = "error"
)

// MessageView is a message with its text rendered for display.
type MessageView struct {
	Message
	HTML string `json:"html"`
}

// ComposerView is the local input state of a session.
type ComposerView struct {
	Input      string `json:"input"`
	PreviewSrc string `json:"previewSrc,omitempty"`
}

// SendView is the reported state of one send operation.
type SendView struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId,omitempty"`
	State     string `json:"state"`
	Stage     string `json:"stage"`
	Error     string `json:"error,omitempty"`
}
