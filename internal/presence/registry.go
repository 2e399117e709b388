// Package presence tracks which connections are currently viewing which
// whiteboard. The registry is process-local ephemeral state: it starts empty
// and is dropped wholesale on shutdown. Durable storage never sees it.
package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

type subscription struct {
	boardID string
	userID  string
}

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	// OnChange is invoked after every mutation that alters a board's online
	// set, with the board id and the distinct online user ids. It runs under
	// the registry lock so notifications observe mutations in order; the
	// callback must not call back into the registry.
	OnChange func(boardID string, online []string)
	Logger   *zap.Logger
}

// Registry maps whiteboards to their currently connected participants. A
// connection is subscribed to at most one whiteboard at a time; resubscribing
// replaces the prior subscription.
type Registry struct {
	mu       sync.Mutex
	byConn   map[string]subscription
	byBoard  map[string]map[string]map[string]struct{}
	onChange func(boardID string, online []string)
	logger   *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byConn:   make(map[string]subscription),
		byBoard:  make(map[string]map[string]map[string]struct{}),
		onChange: cfg.OnChange,
		logger:   logger,
	}
}

// Subscribe registers the connection as present on the whiteboard. A prior
// subscription of the same connection, to this or another whiteboard, is
// removed first. Valid input never fails.
func (r *Registry) Subscribe(boardID, connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	priorBoard := ""
	if prior, ok := r.byConn[connID]; ok {
		r.removeLocked(connID, prior)
		if prior.boardID != boardID {
			priorBoard = prior.boardID
		}
	}

	r.byConn[connID] = subscription{boardID: boardID, userID: userID}
	users, ok := r.byBoard[boardID]
	if !ok {
		users = make(map[string]map[string]struct{})
		r.byBoard[boardID] = users
	}
	conns, ok := users[userID]
	if !ok {
		conns = make(map[string]struct{})
		users[userID] = conns
	}
	conns[connID] = struct{}{}

	r.logger.Debug("presence subscribe",
		zap.String("board_id", boardID),
		zap.String("conn_id", connID),
		zap.String("user_id", userID))
	if priorBoard != "" {
		r.notifyLocked(priorBoard)
	}
	r.notifyLocked(boardID)
}

// Unsubscribe removes the connection's presence entry. Unknown connections
// are a silent no-op: the connection is already gone.
func (r *Registry) Unsubscribe(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, ok := r.byConn[connID]
	if !ok {
		return
	}
	r.removeLocked(connID, prior)
	r.notifyLocked(prior.boardID)
}

// ListOnline returns the distinct user ids currently present on a whiteboard.
func (r *Registry) ListOnline(boardID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked(boardID)
}

// BoardOf reports which whiteboard, if any, the connection is subscribed to.
func (r *Registry) BoardOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	return sub.boardID, true
}

// Shutdown drops every presence entry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn = make(map[string]subscription)
	r.byBoard = make(map[string]map[string]map[string]struct{})
}

func (r *Registry) removeLocked(connID string, sub subscription) {
	delete(r.byConn, connID)
	users, ok := r.byBoard[sub.boardID]
	if !ok {
		return
	}
	conns, ok := users[sub.userID]
	if ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(users, sub.userID)
		}
	}
	if len(users) == 0 {
		delete(r.byBoard, sub.boardID)
	}
}

func (r *Registry) onlineLocked(boardID string) []string {
	users := r.byBoard[boardID]
	online := make([]string, 0, len(users))
	for userID := range users {
		online = append(online, userID)
	}
	sort.Strings(online)
	return online
}

func (r *Registry) notifyLocked(boardID string) {
	if r.onChange == nil {
		return
	}
	r.onChange(boardID, r.onlineLocked(boardID))
}
