// Package realtime fans transcript and session lifecycle events out to
// websocket subscribers, one room per class session. A Redis pub/sub bridge
// carries events across instances so any server can host the viewer.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Publisher publishes session events to Redis for cross-instance broadcast.
type Publisher interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error
}

// Subscriber subscribes to a session channel and invokes handler for incoming events.
type Subscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> set of connections and broadcasts events.
type Hub struct {
	// sessionID -> map[clientID]*Client
	rooms    map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per session
	mu       sync.RWMutex
	logger   *zap.Logger
	redisPub Publisher
	redisSub Subscriber
}

// NewHub creates a websocket hub. Both Redis sides may be nil for
// single-instance deployments.
func NewHub(logger *zap.Logger, redisPub Publisher, redisSub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redisPub: redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a session room. The first client in a room starts
// the Redis subscription for it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.SessionID] == nil {
		h.rooms[c.SessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeSession(c.SessionID, func(event string, payload []byte) {
				h.broadcastLocal(c.SessionID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.SessionID] = cancel
			} else {
				h.logger.Warn("redis subscribe failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
			}
		}
	}
	h.rooms[c.SessionID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("viewer joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client. The Redis subscription ends when the room empties.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.SessionID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("viewer left session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Publish sends an event to local subscribers and, when Redis is configured,
// to subscribers on other instances. Satisfies the collection handler's
// Broadcaster contract.
func (h *Hub) Publish(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal event failed", zap.Error(err), zap.String("event", event))
		return
	}
	h.broadcastLocal(sessionID, event, json.RawMessage(data))
	if h.redisPub != nil {
		if err := h.redisPub.PublishSessionEvent(sessionID, event, data); err != nil {
			h.logger.Warn("redis publish failed", zap.Error(err), zap.String("event", event))
		}
	}
}

// ViewerCount returns the number of connected clients for a session.
func (h *Hub) ViewerCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) broadcastLocal(sessionID uuid.UUID, event string, data json.RawMessage) {
	msg := WSMessage{Event: event, Data: data}

	// The read lock covers the whole iteration: Register and Unregister
	// mutate the room map, and iterating it unlocked races with them. Sends
	// are non-blocking, so holding the lock cannot stall on a slow client.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[sessionID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}
