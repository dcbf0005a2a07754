package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/coretask/boardqueue/internal/bus"
)

// streamEnvelope is the wire shape for every frame pushed down
// /events/stream (spec.md §4.7). Clients key their UI updates off Type.
type streamEnvelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// handleEventStream upgrades to a WebSocket and fans out board and user
// events to the client. It subscribes to both board:<id> (if board_id is
// given) and user:<caller> so a client sees their own task/worker events
// plus the shared board activity. A TopicHeartbeat frame is pushed on
// every tick so clients and intermediating proxies can detect a dead
// connection without waiting on TCP keepalive.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	userID := UserIDFromContext(ctx)
	boardID := r.URL.Query().Get("board_id")

	subs := make([]*bus.Subscription, 0, 2)
	if boardID != "" {
		subs = append(subs, s.cfg.Bus.Subscribe(bus.BoardTopic(boardID)))
	}
	if userID != "" {
		subs = append(subs, s.cfg.Bus.Subscribe(bus.UserTopic(userID)))
	}
	defer func() {
		for _, sub := range subs {
			s.cfg.Bus.Unsubscribe(sub)
		}
	}()

	// The client may send acknowledgement frames; we don't require them,
	// but we must drain the read side so the library notices a close.
	closed := make(chan struct{})
	go s.drainStreamReads(ctx, conn, closed)

	heartbeat := s.cfg.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	notify := make(chan struct{}, 1)
	for _, sub := range subs {
		go forwardNotify(ctx, sub, notify)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, streamEnvelope{Type: bus.TopicHeartbeat}); err != nil {
				return
			}
		case <-notify:
			for _, sub := range subs {
				for _, ev := range sub.Drain() {
					if err := wsjson.Write(ctx, conn, streamEnvelope{Type: ev.Type, Payload: ev.Payload}); err != nil {
						return
					}
				}
			}
		}
	}
}

// forwardNotify bridges a subscription's notify channel onto the shared
// select loop in handleEventStream, since select can't range over a
// slice of channels directly.
func forwardNotify(ctx context.Context, sub *bus.Subscription, notify chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Ch():
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Server) drainStreamReads(ctx context.Context, conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	for {
		var ack map[string]any
		if err := wsjson.Read(ctx, conn, &ack); err != nil {
			if !isExpectedCloseErr(err) {
				s.logger.Debug("event stream read error", "error", slog.AnyValue(err))
			}
			return
		}
	}
}

func isExpectedCloseErr(err error) bool {
	code := websocket.CloseStatus(err)
	return code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway
}
