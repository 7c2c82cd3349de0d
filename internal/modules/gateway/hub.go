// Package gateway is the live event feed. A socket.io hub authenticates
// dashboard clients by API key during the handshake, parks each connection in
// its project's room, and pushes stored trigger events there. Broadcasts fan
// out across nodes over a Redis channel so any node's webhook receiver
// reaches every node's clients.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"

	pkgredis "github.com/toolgate/core/internal/pkg/redis"
)

const (
	namespaceEvents   = "/events"
	eventTriggerEvent = "trigger_event"
	eventConnected    = "connected"
	redisChanEvents   = "tg:gateway:events"
)

// Message is the cross-node fan-out envelope.
type Message struct {
	ProjectID string                 `json:"project_id"`
	Event     map[string]interface{} `json:"event"`
}

// KeyValidator resolves a handshake API key to its project. A false return
// rejects the connection.
type KeyValidator func(key string) (projectID string, ok bool)

type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l.Named("Gateway") }
}

// Hub owns the socket.io server and the room bookkeeping.
type Hub struct {
	mu        sync.RWMutex
	sidRoom   map[string]string
	roomCount map[string]int

	rc       *pkgredis.Client
	sio      *socketio.Server
	validate KeyValidator
	logger   *zap.Logger
}

// NewHub wires the hub. rc may be nil for single-node deployments; broadcasts
// then skip Redis and emit locally.
func NewHub(rc *pkgredis.Client, validate KeyValidator, opts ...Option) *Hub {
	h := &Hub{
		sidRoom:   make(map[string]string),
		roomCount: make(map[string]int),
		rc:        rc,
		sio:       socketio.NewServer(nil, nil),
		validate:  validate,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registerNamespace()
	return h
}

// Run blocks consuming cross-node broadcasts until ctx is cancelled, then
// closes the socket server.
func (h *Hub) Run(ctx context.Context) {
	if h.rc != nil {
		h.subscribeRedis(ctx)
	} else {
		<-ctx.Done()
	}
	h.sio.Close(nil)
}

// BroadcastEvent pushes one stored event to the project's room. With Redis
// wired the message loops through pub/sub and the subscriber emits it on
// every node, this one included; publish failure falls back to a local emit
// so connected clients still hear about the event.
func (h *Hub) BroadcastEvent(projectID string, event map[string]interface{}) {
	msg := Message{ProjectID: projectID, Event: event}
	if h.rc == nil {
		h.deliver(msg)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("event broadcast marshal failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.rc.Publish(ctx, redisChanEvents, string(data)); err != nil {
		h.logger.Warn("event broadcast publish failed", zap.Error(err))
		h.deliver(msg)
	}
}

func (h *Hub) deliver(msg Message) {
	room := projectRoom(msg.ProjectID)
	_ = h.sio.Of(namespaceEvents, nil).To(socketio.Room(room)).Emit(eventTriggerEvent, msg.Event)
}

// subscribeRedis replays broadcasts published by any node into the local
// socket server.
func (h *Hub) subscribeRedis(ctx context.Context) {
	pubsub := h.rc.Subscribe(ctx, redisChanEvents)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				continue
			}
			h.deliver(msg)
		}
	}
}

func projectRoom(projectID string) string { return "project:" + projectID }

func (h *Hub) track(sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sidRoom[sid]; ok {
		if old == room {
			return
		}
		if h.roomCount[old] > 0 {
			h.roomCount[old]--
		}
	}
	h.sidRoom[sid] = room
	h.roomCount[room]++
}

func (h *Hub) untrack(sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.sidRoom[sid]
	if !ok {
		return
	}
	delete(h.sidRoom, sid)
	if h.roomCount[room] > 0 {
		h.roomCount[room]--
	}
}

// ClientCount reports connected clients, all of them or one project's.
func (h *Hub) ClientCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if projectID == "" {
		return len(h.sidRoom)
	}
	return h.roomCount[projectRoom(projectID)]
}

// Handler returns the socket.io HTTP handler mounted at /socket.io.
func (h *Hub) Handler() http.Handler {
	return h.sio.ServeHandler(nil)
}
