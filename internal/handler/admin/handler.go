package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	model "github.com/zhouzirui/z-relay/backend/internal/model/relay"
	relaysvc "github.com/zhouzirui/z-relay/backend/internal/service/relay"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// PasswordHeader 携带管理口令的请求头。
const PasswordHeader = "X-Admin-Password"

const keepAliveInterval = 25 * time.Second

// Handler 管理端的HTTP处理器。口令只是一道门槛，不是身份认证。
type Handler struct {
	hub      *relaysvc.Hub
	password string
	logger   *slog.Logger
}

// New 创建管理端处理器
func New(hub *relaysvc.Hub, password string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		password: password,
		logger:   logger.With("component", "admin"),
	}
}

// RegisterRoutes 注册管理端路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Post("/login", h.handleLogin)

		ar.Group(func(g chi.Router) {
			g.Use(h.requirePassword)
			g.Get("/messages", h.handleMessages)
			g.Get("/stats", h.handleStats)
			g.Get("/stream", h.handleStream)
		})
	})
}

func (h *Handler) checkPassword(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.password)) == 1
}

// requirePassword 校验请求头中的口令；EventSource 无法设置请求头，因此也接受 password 查询参数
func (h *Handler) requirePassword(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidate := r.Header.Get(PasswordHeader)
		if candidate == "" {
			candidate = r.URL.Query().Get("password")
		}
		if !h.checkPassword(candidate) {
			utils.RespondError(w, http.StatusUnauthorized, "incorrect password")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogin 校验口令
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.checkPassword(payload.Password) {
		h.logger.Warn("admin login failed", "remote", r.RemoteAddr)
		utils.RespondError(w, http.StatusUnauthorized, "incorrect password")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMessages 返回全部历史消息，包含服务端附加的元数据
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": h.hub.Snapshot()})
}

// handleStats 返回当前连接数与消息数
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.hub.Stats())
}

// handleStream 以 SSE 推送历史消息与新消息，协议与 WebSocket 一致
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := "admin-" + uuid.NewString()
	sub, err := h.hub.Join(sessionID, r.Header, r.RemoteAddr)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "join failed")
		return
	}
	defer h.hub.Leave(sessionID)

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	h.logger.Info("admin stream opened", "session", sessionID)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("admin stream closed", "session", sessionID)
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			var data any = ev.Message
			if ev.Name == model.EventLoadMessages {
				backlog := ev.Backlog
				if backlog == nil {
					backlog = []model.Message{}
				}
				data = backlog
			}
			if err := utils.SendSSEEvent(w, flusher, ev.Name, data); err != nil {
				h.logger.Debug("admin stream write failed", "session", sessionID, "err", err)
				return
			}
		}
	}
}
