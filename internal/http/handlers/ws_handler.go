// README: WebSocket event stream; clients subscribe to topics and get a snapshot replay first.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"emsdispatch/internal/http/middleware"
	"emsdispatch/internal/modules/events"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
	// CloseLagging tells the client it fell behind and must resubscribe to reconcile.
	CloseLagging = 4008
)

// Snapshots are the reads used to authorize topics and replay current state.
type Snapshots interface {
	Active(ctx context.Context, actor request.Actor) ([]*request.Request, error)
	Mine(ctx context.Context, actor request.Actor, activeOnly bool) ([]*request.Request, error)
	Get(ctx context.Context, actor request.Actor, id types.ID) (*request.Request, error)
}

type clientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type serverMessage struct {
	Type   string         `json:"type"`
	Action string         `json:"action,omitempty"`
	Topics []string       `json:"topics,omitempty"`
	Event  *request.Event `json:"event,omitempty"`
	Error  string         `json:"error,omitempty"`
	Code   string         `json:"code,omitempty"`
}

type WSHandler struct {
	bus       *events.Bus
	snapshots Snapshots
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	PongWait     time.Duration
}

func NewWSHandler(bus *events.Bus, snapshots Snapshots, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		bus:       bus,
		snapshots: snapshots,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Callers authenticate with a token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:       logger,
		PingInterval: 50 * time.Second,
		PongWait:     60 * time.Second,
	}
}

func (h *WSHandler) Stream(c *gin.Context) {
	actor := middleware.Caller(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	sub, err := h.bus.Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}
	log := h.logger.With(zap.String("subscription_id", sub.ID()), zap.String("caller", string(actor.ID)))
	log.Debug("websocket connected")

	control := make(chan serverMessage, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, sub, control, log)
	}()

	h.readLoop(c.Request.Context(), conn, actor, sub, func(m serverMessage) bool {
		select {
		case control <- m:
			return true
		case <-writerDone:
			return false
		}
	})
	sub.Close()
	<-writerDone
	log.Debug("websocket closed", zap.Error(sub.Err()))
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, actor request.Actor, sub *events.Subscription, reply func(serverMessage) bool) {
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.PongWait))
	})
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.PongWait))
		switch msg.Action {
		case "subscribe":
			for _, raw := range msg.Topics {
				if !reply(h.subscribe(ctx, actor, sub, raw)) {
					return
				}
			}
		case "unsubscribe":
			topics := make([]events.Topic, 0, len(msg.Topics))
			for _, raw := range msg.Topics {
				if t, err := events.ParseTopic(raw); err == nil {
					topics = append(topics, t)
				}
			}
			sub.Unsubscribe(topics...)
			if !reply(serverMessage{Type: "ack", Action: "unsubscribe", Topics: msg.Topics}) {
				return
			}
		default:
			if !reply(serverMessage{Type: "error", Error: "unknown action", Code: "bad_request"}) {
				return
			}
		}
	}
}

// subscribe authorizes one topic, adds it, then replays the current snapshots. A transition
// committed between the read and the replay is already queued with a higher Seq, so the
// subscription drops the older snapshot instead of delivering it last.
func (h *WSHandler) subscribe(ctx context.Context, actor request.Actor, sub *events.Subscription, raw string) serverMessage {
	topic, err := events.ParseTopic(raw)
	if err != nil {
		return serverMessage{Type: "error", Action: "subscribe", Topics: []string{raw}, Error: err.Error(), Code: "bad_request"}
	}
	if err := h.authorize(ctx, actor, topic); err != nil {
		return serverMessage{Type: "error", Action: "subscribe", Topics: []string{raw}, Error: err.Error(), Code: request.Code(err)}
	}
	sub.Subscribe(topic)
	snaps, err := h.snapshot(ctx, actor, topic)
	if err != nil {
		h.logger.Warn("websocket snapshot", zap.String("topic", raw), zap.Error(err))
	}
	for _, r := range snaps {
		sub.Deliver(request.NewEvent(request.EventSnapshot, r))
	}
	return serverMessage{Type: "ack", Action: "subscribe", Topics: []string{raw}}
}

func (h *WSHandler) authorize(ctx context.Context, actor request.Actor, topic events.Topic) error {
	if topic == events.TopicAllActive {
		if actor.Role == request.RolePatient {
			return request.ErrForbidden
		}
		return nil
	}
	if id, ok := topic.RequestID(); ok {
		_, err := h.snapshots.Get(ctx, actor, id)
		return err
	}
	if owner, ok := topic.ActorID(); ok && owner != actor.ID && actor.Role != request.RoleAdmin {
		return request.ErrForbidden
	}
	return nil
}

func (h *WSHandler) snapshot(ctx context.Context, actor request.Actor, topic events.Topic) ([]*request.Request, error) {
	if topic == events.TopicAllActive {
		return h.snapshots.Active(ctx, actor)
	}
	if id, ok := topic.RequestID(); ok {
		r, err := h.snapshots.Get(ctx, actor, id)
		if err != nil {
			return nil, err
		}
		return []*request.Request{r}, nil
	}
	owner, _ := topic.ActorID()
	return h.snapshots.Mine(ctx, request.Actor{ID: owner, Role: actor.Role}, true)
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *events.Subscription, control <-chan serverMessage, log *zap.Logger) {
	ticker := time.NewTicker(h.PingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()
	write := func(m serverMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(m); err != nil {
			log.Debug("websocket write", zap.Error(err))
			return false
		}
		return true
	}
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if errors.Is(sub.Err(), events.ErrLagging) {
					code, reason = CloseLagging, "lagging"
				}
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
				return
			}
			if !write(serverMessage{Type: "event", Event: &e}) {
				return
			}
		case m := <-control:
			if !write(m) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
