package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/collabcanvas/boardsync/backend/internal/board"
	"github.com/collabcanvas/boardsync/backend/internal/presence"
)

// Hub fans events out to the connections subscribed to each whiteboard. It
// is the board service's event sink: the store invokes it while still holding
// the whiteboard's ordering gate, so frames are enqueued to subscribers in
// exactly the order writes were accepted. Delivery is at-most-once; a
// connection whose buffer is full or that disconnects before delivery simply
// misses the frame and re-hydrates over REST on reconnect.
type Hub struct {
	mu       sync.RWMutex
	boards   map[string]map[*Client]struct{}
	registry *presence.Registry
	logger   *zap.Logger
}

// HubConfig wires the hub's collaborators.
type HubConfig struct {
	Logger *zap.Logger
}

// NewHub constructs a hub and its presence registry. The registry's change
// callback publishes presenceChanged frames, so every registry mutation is
// followed by a notification ordered after it.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		boards: make(map[string]map[*Client]struct{}),
		logger: logger,
	}
	hub.registry = presence.NewRegistry(presence.RegistryConfig{
		OnChange: hub.publishPresence,
		Logger:   logger,
	})
	return hub
}

// Registry exposes the presence registry for online-count lookups.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Subscribe attaches the client to a whiteboard's fan-out set and registers
// its presence. A prior subscription of the same connection is replaced.
func (h *Hub) Subscribe(client *Client, boardID string) {
	h.mu.Lock()
	if prior := client.board(); prior != "" && prior != boardID {
		if clients, ok := h.boards[prior]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.boards, prior)
			}
		}
	}
	clients, ok := h.boards[boardID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.boards[boardID] = clients
	}
	clients[client] = struct{}{}
	client.setBoard(boardID)
	h.mu.Unlock()

	h.registry.Subscribe(boardID, client.ConnID(), client.UserID())
}

// Detach removes the client from fan-out and presence. Safe to call for
// clients that never subscribed.
func (h *Hub) Detach(client *Client) {
	h.mu.Lock()
	if boardID := client.board(); boardID != "" {
		if clients, ok := h.boards[boardID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.boards, boardID)
			}
		}
		client.setBoard("")
	}
	h.mu.Unlock()

	h.registry.Unsubscribe(client.ConnID())
}

// ElementAdded implements board.EventSink.
func (h *Hub) ElementAdded(boardID string, element board.Element) {
	h.publish(boardID, ServerEvent{
		Event:   EventElementAdded,
		BoardID: boardID,
		Element: NewElementView(element),
	})
}

// ElementUpdated implements board.EventSink.
func (h *Hub) ElementUpdated(boardID string, element board.Element) {
	h.publish(boardID, ServerEvent{
		Event:   EventElementUpdated,
		BoardID: boardID,
		Element: NewElementView(element),
	})
}

// ElementDeleted implements board.EventSink.
func (h *Hub) ElementDeleted(boardID string, uid int64) {
	h.publish(boardID, ServerEvent{
		Event:   EventElementDeleted,
		BoardID: boardID,
		UID:     uid,
	})
}

// ChatPosted implements board.EventSink.
func (h *Hub) ChatPosted(boardID string, message board.ChatMessage) {
	h.publish(boardID, ServerEvent{
		Event:   EventChatPosted,
		BoardID: boardID,
		Message: NewChatView(message),
	})
}

func (h *Hub) publishPresence(boardID string, online []string) {
	h.publish(boardID, ServerEvent{
		Event:   EventPresenceChanged,
		BoardID: boardID,
		Online:  online,
	})
}

// publish enqueues the event to every subscriber of the whiteboard,
// including the sender of the originating mutation. Sends never block: a
// slow consumer drops frames rather than stalling the ordering gate.
func (h *Hub) publish(boardID string, event ServerEvent) {
	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal realtime event",
			zap.String("board_id", boardID),
			zap.String("event", event.Event),
			zap.Error(err))
		return
	}

	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.boards[boardID]))
	for client := range h.boards[boardID] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	for _, client := range subscribers {
		if !client.enqueue(frame) {
			h.logger.Warn("subscriber buffer full, dropping frame",
				zap.String("board_id", boardID),
				zap.String("conn_id", client.ConnID()),
				zap.String("event", event.Event))
		}
	}
}

// SubscriberCount reports the number of connections attached to a board.
func (h *Hub) SubscriberCount(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[boardID])
}

// Shutdown drops all subscriptions and presence entries.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for boardID, clients := range h.boards {
		for client := range clients {
			client.close()
		}
		delete(h.boards, boardID)
	}
	h.mu.Unlock()
	h.registry.Shutdown()
}
