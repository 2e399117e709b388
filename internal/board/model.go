package board

import (
	"errors"
	"fmt"
	"strings"
)

// ElementType discriminates the kinds of graphical objects a client can place.
type ElementType string

const (
	// ElementTypeShape covers rectangles, ellipses and other closed shapes.
	ElementTypeShape ElementType = "shape"
	// ElementTypePath is a freehand stroke.
	ElementTypePath ElementType = "path"
	// ElementTypeText is a text box.
	ElementTypeText ElementType = "text"
	// ElementTypeImage is a bitmap placed on the canvas, possibly asset-derived.
	ElementTypeImage ElementType = "image"
)

const maxIdentifierLength = 190

var (
	// ErrConflict indicates an add targeting a uid already held by an active element.
	ErrConflict = errors.New("board: element uid already active")
	// ErrNotFound indicates an operation targeting a missing or deleted record.
	ErrNotFound = errors.New("board: not found")
	// ErrUnauthorized indicates the acting user is not a member of the whiteboard.
	ErrUnauthorized = errors.New("board: user is not a whiteboard member")

	// ErrInvalidBoardID indicates that a whiteboard identifier is empty or exceeds storage bounds.
	ErrInvalidBoardID = errors.New("board: invalid whiteboard id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("board: invalid user id")
	// ErrInvalidElementUID indicates a non-positive client-supplied element uid.
	ErrInvalidElementUID = errors.New("board: invalid element uid")
	// ErrInvalidElementType indicates an unknown element type discriminator.
	ErrInvalidElementType = errors.New("board: invalid element type")
)

// BoardID represents a validated whiteboard identifier.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBoardID, maxIdentifierLength)
	}
	return BoardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseElementType validates a raw type discriminator.
func ParseElementType(rawInput string) (ElementType, error) {
	switch ElementType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ElementTypeShape:
		return ElementTypeShape, nil
	case ElementTypePath:
		return ElementTypePath, nil
	case ElementTypeText:
		return ElementTypeText, nil
	case ElementTypeImage:
		return ElementTypeImage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidElementType, rawInput)
	}
}

// Whiteboard models a shared canvas document. Deletion is a soft marker so
// boards remain restorable.
type Whiteboard struct {
	BoardID          string `gorm:"column:board_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:320;not null"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	ThumbnailURL     string `gorm:"column:thumbnail_url;size:512;not null;default:''"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Whiteboard) TableName() string {
	return "whiteboards"
}

// Deleted reports whether the whiteboard is soft-deleted.
func (w Whiteboard) Deleted() bool {
	return w.DeletedAtSeconds != nil
}

// Membership links a user to a whiteboard. Any member may mutate elements,
// post chat and manage the member list.
type Membership struct {
	BoardID         string `gorm:"column:board_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_member_user"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "whiteboard_members"
}

// Element models a persisted whiteboard element. The uid is client-generated
// and unique only within its whiteboard; the payload carries the serialized
// geometry (position, scale, rotation) opaque to the server.
type Element struct {
	BoardID          string      `gorm:"column:board_id;primaryKey;size:190;not null;index:idx_elements_board_z,priority:1"`
	UID              int64       `gorm:"column:uid;primaryKey;not null"`
	ElementType      ElementType `gorm:"column:element_type;size:32;not null"`
	PayloadJSON      string      `gorm:"column:payload_json;type:text;not null"`
	AssetID          *string     `gorm:"column:asset_id;size:190"`
	ZIndex           int64       `gorm:"column:z_index;not null;index:idx_elements_board_z,priority:2"`
	Revision         int64       `gorm:"column:revision;not null;default:1"`
	IsDeleted        bool        `gorm:"column:is_deleted;not null;default:false"`
	CreatedBy        string      `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64       `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64       `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Element) TableName() string {
	return "whiteboard_elements"
}

// ChatMessage is an append-only chat entry scoped to a whiteboard.
type ChatMessage struct {
	MessageID        string `gorm:"column:message_id;primaryKey;size:190;not null"`
	BoardID          string `gorm:"column:board_id;size:190;not null;index:idx_chat_board_time,priority:1"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_chat_board_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string {
	return "whiteboard_chat_messages"
}

// normalizeTitle trims user-supplied text fields before validation.
func normalizeTitle(value string) string {
	return strings.TrimSpace(value)
}

// ElementDraft describes the client-supplied input for an add operation. A
// zero UID asks the store to assign one.
type ElementDraft struct {
	UID         int64
	ElementType ElementType
	PayloadJSON string
	AssetID     *string
}

// ElementPatch fully replaces the stored geometry/type payload of an element.
// There is no field-level merge: drawing clients serialize whole-object state.
type ElementPatch struct {
	ElementType ElementType
	PayloadJSON string
	AssetID     *string
	ZIndex      *int64
}
