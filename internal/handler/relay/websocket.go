package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	model "github.com/zhouzirui/z-relay/backend/internal/model/relay"
	relaysvc "github.com/zhouzirui/z-relay/backend/internal/service/relay"
)

const (
	writeWait  = 60 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketHandler 把每个 WebSocket 连接接入转发中心
type WebSocketHandler struct {
	hub             *relaysvc.Hub
	maxMessageBytes int64
	logger          *slog.Logger
	upgrader        websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *relaysvc.Hub, maxMessageBytes int64, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:             hub,
		maxMessageBytes: maxMessageBytes,
		logger:          logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	sub, err := h.hub.Join(sessionID, r.Header, r.RemoteAddr)
	if err != nil {
		h.logger.Error("join failed", "session", sessionID, "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"),
			time.Now().Add(time.Second))
		return
	}

	h.logger.Info("client connected", "session", sessionID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(conn, sub)
	}()

	h.readLoop(conn, sub)

	h.hub.Leave(sessionID)
	<-done
	h.logger.Info("client disconnected", "session", sessionID)
}

func (h *WebSocketHandler) readLoop(conn *websocket.Conn, sub *relaysvc.Subscription) {
	if h.maxMessageBytes > 0 {
		conn.SetReadLimit(h.maxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env model.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				h.sendError(sub, "invalid frame")
				conn.SetReadDeadline(time.Now().Add(pongWait))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Warn("read error", "session", sub.SessionID(), "err", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleEnvelope(sub, env)
	}
}

func (h *WebSocketHandler) handleEnvelope(sub *relaysvc.Subscription, env model.Envelope) {
	switch env.Event {
	case model.EventSendMessage:
		var msg model.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			h.sendError(sub, "invalid message payload")
			return
		}
		if _, err := h.hub.Submit(sub.SessionID(), msg); err != nil {
			h.logger.Info("message rejected", "session", sub.SessionID(), "err", err)
			h.sendError(sub, err.Error())
		}
	default:
		h.sendError(sub, "unsupported event: "+env.Event)
	}
}

func (h *WebSocketHandler) sendError(sub *relaysvc.Subscription, message string) {
	if !sub.Notify(relaysvc.Event{Name: model.EventError, Err: message}) {
		h.logger.Debug("dropped error frame", "session", sub.SessionID())
	}
}

// writeLoop 是连接上唯一的写入者
func (h *WebSocketHandler) writeLoop(conn *websocket.Conn, sub *relaysvc.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			}

			frame, err := EncodeEvent(ev)
			if err != nil {
				h.logger.Error("encode event failed", "session", sub.SessionID(), "event", ev.Name, "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("write failed", "session", sub.SessionID(), "err", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// EncodeEvent renders ev as a wire envelope.
func EncodeEvent(ev relaysvc.Event) ([]byte, error) {
	var data any
	switch ev.Name {
	case model.EventLoadMessages:
		backlog := ev.Backlog
		if backlog == nil {
			backlog = []model.Message{}
		}
		data = backlog
	case model.EventNewMessage:
		data = ev.Message
	case model.EventError:
		data = model.ErrorPayload{Message: ev.Err}
	default:
		return nil, errors.New("unknown event " + ev.Name)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Envelope{Event: ev.Name, Data: raw})
}
