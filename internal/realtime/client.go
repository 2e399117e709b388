package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collabcanvas/boardsync/backend/internal/board"
	"github.com/collabcanvas/boardsync/backend/internal/presence"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second
	// pongWait is the liveness window: a connection that misses it is
	// treated as disconnected and its presence entry removed.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize   = 256 * 1024
	sendChannelSize  = 256
	operationTimeout = 15 * time.Second
)

// Client is the middleman between one websocket connection and the hub. The
// read pump is the only reader, the write pump the only writer.
type Client struct {
	hub    *Hub
	store  *board.Service
	mirror *presence.Mirror
	conn   *websocket.Conn
	logger *zap.Logger

	connID string
	userID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	boardID string
}

// NewClient wraps an upgraded websocket connection for the given user.
func NewClient(hub *Hub, store *board.Service, mirror *presence.Mirror, conn *websocket.Conn, userID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		hub:    hub,
		store:  store,
		mirror: mirror,
		conn:   conn,
		logger: logger,
		connID: uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, sendChannelSize),
		done:   make(chan struct{}),
	}
}

// ConnID returns the server-assigned connection identifier.
func (c *Client) ConnID() string {
	return c.connID
}

// UserID returns the authenticated user behind the connection.
func (c *Client) UserID() string {
	return c.userID
}

// Serve runs the write pump in a goroutine and the read pump on the calling
// goroutine, returning when the connection is gone.
func (c *Client) Serve() {
	go c.writeLoop()
	c.readLoop()
}

func (c *Client) board() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boardID
}

func (c *Client) setBoard(boardID string) {
	c.mu.Lock()
	c.boardID = boardID
	c.mu.Unlock()
}

// enqueue appends a frame to the outbound buffer without blocking. It
// reports false when the connection is closing or the buffer is full and
// the frame was dropped. The send channel itself is never closed, so a
// publish racing a teardown cannot panic mid fan-out.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readLoop pumps messages from the websocket connection into the board
// service. There is at most one reader per connection. Teardown signals the
// write pump, which flushes any buffered frames and closes the connection.
func (c *Client) readLoop() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.refreshMirror()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly",
					zap.String("conn_id", c.connID), zap.Error(err))
			}
			return
		}

		var message ClientMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			c.sendError("", ErrorCodeInvalidMessage, "malformed frame")
			continue
		}

		if closeConn := c.dispatch(message); closeConn {
			return
		}
	}
}

// dispatch handles one client frame. It returns true when the connection
// must be closed (unauthorized subscribe).
func (c *Client) dispatch(message ClientMessage) bool {
	boardID, err := board.NewBoardID(message.BoardID)
	if err != nil {
		c.sendError(message.BoardID, ErrorCodeInvalidMessage, "whiteboard id required")
		return false
	}
	author := board.UserID(c.userID)

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	switch message.Action {
	case ActionSubscribe:
		return c.handleSubscribe(ctx, boardID)

	case ActionAddElement:
		if message.Element == nil {
			c.sendError(boardID.String(), ErrorCodeInvalidMessage, "element required")
			return false
		}
		draft := board.ElementDraft{
			UID:         message.Element.UID,
			ElementType: board.ElementType(message.Element.ElementType),
			PayloadJSON: string(message.Element.Payload),
			AssetID:     message.Element.AssetID,
		}
		if _, err := c.store.AddElement(ctx, boardID, author, draft); err != nil {
			c.sendOperationError(boardID.String(), err)
		}

	case ActionUpdateElement:
		if message.Patch == nil {
			c.sendError(boardID.String(), ErrorCodeInvalidMessage, "patch required")
			return false
		}
		patch := board.ElementPatch{
			ElementType: board.ElementType(message.Patch.ElementType),
			PayloadJSON: string(message.Patch.Payload),
			AssetID:     message.Patch.AssetID,
			ZIndex:      message.Patch.ZIndex,
		}
		if _, err := c.store.UpdateElement(ctx, boardID, author, message.UID, patch); err != nil {
			c.sendOperationError(boardID.String(), err)
		}

	case ActionDeleteElement:
		if _, err := c.store.DeleteElement(ctx, boardID, author, message.UID); err != nil {
			c.sendOperationError(boardID.String(), err)
		}

	case ActionPostChat:
		if _, err := c.store.PostChat(ctx, boardID, author, message.Body); err != nil {
			c.sendOperationError(boardID.String(), err)
		}

	default:
		c.sendError(boardID.String(), ErrorCodeInvalidMessage, "unknown action")
	}
	return false
}

// handleSubscribe registers presence after a membership check. Non-members
// get an error frame and the connection is closed with no state change.
func (c *Client) handleSubscribe(ctx context.Context, boardID board.BoardID) bool {
	member, err := c.store.IsMember(ctx, boardID, board.UserID(c.userID))
	if err != nil {
		c.sendOperationError(boardID.String(), err)
		return false
	}
	if !member {
		c.sendError(boardID.String(), ErrorCodeUnauthorized, "not a whiteboard member")
		return true
	}

	c.hub.Subscribe(c, boardID.String())
	if c.mirror != nil {
		if err := c.mirror.SetOnline(ctx, boardID.String(), c.userID); err != nil {
			c.logger.Warn("presence mirror update failed",
				zap.String("board_id", boardID.String()), zap.Error(err))
		}
	}
	return false
}

// writeLoop pumps frames from the hub to the websocket connection and keeps
// the connection alive with pings. There is at most one writer per
// connection.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-c.done:
			c.flushPending()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushPending drains frames buffered before the close signal, so a final
// error frame still reaches the peer ahead of the close frame.
func (c *Client) flushPending() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) teardown() {
	boardID := c.board()
	c.hub.Detach(c)
	c.close()
	if c.mirror != nil && boardID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := c.mirror.SetOffline(ctx, boardID, c.userID); err != nil {
			c.logger.Warn("presence mirror cleanup failed",
				zap.String("board_id", boardID), zap.Error(err))
		}
	}
}

func (c *Client) refreshMirror() {
	if c.mirror == nil {
		return
	}
	boardID := c.board()
	if boardID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.mirror.Refresh(ctx, boardID, c.userID); err != nil {
		c.logger.Warn("presence mirror refresh failed",
			zap.String("board_id", boardID), zap.Error(err))
	}
}

func (c *Client) sendOperationError(boardID string, err error) {
	c.sendError(boardID, errorCode(err), err.Error())
}

func (c *Client) sendError(boardID, code, detail string) {
	frame, err := json.Marshal(ServerEvent{
		Event:   EventError,
		BoardID: boardID,
		Error:   &ErrorView{Code: code, Detail: detail},
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// errorCode maps store errors onto the wire taxonomy. Anything outside the
// domain sentinels is a storage failure: the write was not broadcast and
// other subscribers stay on last-known-good state.
func errorCode(err error) string {
	switch {
	case errors.Is(err, board.ErrConflict):
		return ErrorCodeConflict
	case errors.Is(err, board.ErrNotFound), errors.Is(err, board.ErrAssetMissing):
		return ErrorCodeNotFound
	case errors.Is(err, board.ErrUnauthorized):
		return ErrorCodeUnauthorized
	case errors.Is(err, board.ErrInvalidBoardID),
		errors.Is(err, board.ErrInvalidUserID),
		errors.Is(err, board.ErrInvalidElementUID),
		errors.Is(err, board.ErrInvalidElementType):
		return ErrorCodeInvalidMessage
	default:
		return ErrorCodeStorageFailure
	}
}
