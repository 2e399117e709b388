package realtime

import (
	"encoding/json"

	"github.com/collabcanvas/boardsync/backend/internal/board"
)

// Client-to-server actions.
const (
	ActionSubscribe     = "subscribe"
	ActionAddElement    = "addElement"
	ActionUpdateElement = "updateElement"
	ActionDeleteElement = "deleteElement"
	ActionPostChat      = "postChat"
)

// Server-to-client events. Every event is broadcast to all subscribers of
// the whiteboard, including the original sender, so a client that lost a
// write race reconciles its canvas to server truth.
const (
	EventElementAdded    = "elementAdded"
	EventElementUpdated  = "elementUpdated"
	EventElementDeleted  = "elementDeleted"
	EventChatPosted      = "chatPosted"
	EventPresenceChanged = "presenceChanged"
	EventError           = "error"
)

// Error codes carried on error frames, which go only to the originating
// connection.
const (
	ErrorCodeConflict       = "conflict"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeStorageFailure = "storage_failure"
)

// ElementPayload is the client's serialized element or patch. The geometry
// payload is opaque to the server and replaced wholesale on update.
type ElementPayload struct {
	UID         int64           `json:"uid,omitempty"`
	ElementType string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	AssetID     *string         `json:"asset_id,omitempty"`
	ZIndex      *int64          `json:"z_index,omitempty"`
}

// ClientMessage is the envelope for every client-to-server frame.
type ClientMessage struct {
	Action  string          `json:"action"`
	BoardID string          `json:"board_id"`
	Element *ElementPayload `json:"element,omitempty"`
	UID     int64           `json:"uid,omitempty"`
	Patch   *ElementPayload `json:"patch,omitempty"`
	Body    string          `json:"body,omitempty"`
}

// ElementView is the authoritative server-accepted element state.
type ElementView struct {
	UID         int64           `json:"uid"`
	ElementType string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	AssetID     *string         `json:"asset_id,omitempty"`
	ZIndex      int64           `json:"z_index"`
	Revision    int64           `json:"revision"`
}

// ChatView is a broadcast chat message.
type ChatView struct {
	MessageID        string `json:"message_id"`
	AuthorID         string `json:"author_id"`
	Body             string `json:"body"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

// ErrorView reports a per-operation failure to the originating connection.
type ErrorView struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// ServerEvent is the envelope for every server-to-client frame.
type ServerEvent struct {
	Event   string       `json:"event"`
	BoardID string       `json:"board_id"`
	Element *ElementView `json:"element,omitempty"`
	UID     int64        `json:"uid,omitempty"`
	Message *ChatView    `json:"message,omitempty"`
	Online  []string     `json:"online,omitempty"`
	Error   *ErrorView   `json:"error,omitempty"`
}

// NewElementView converts a stored element into its wire form.
func NewElementView(element board.Element) *ElementView {
	return &ElementView{
		UID:         element.UID,
		ElementType: string(element.ElementType),
		Payload:     json.RawMessage(element.PayloadJSON),
		AssetID:     element.AssetID,
		ZIndex:      element.ZIndex,
		Revision:    element.Revision,
	}
}

// NewChatView converts a stored chat message into its wire form.
func NewChatView(message board.ChatMessage) *ChatView {
	return &ChatView{
		MessageID:        message.MessageID,
		AuthorID:         message.AuthorID,
		Body:             message.Body,
		CreatedAtSeconds: message.CreatedAtSeconds,
	}
}
