package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-relay/backend/internal/handler/admin"
	"github.com/zhouzirui/z-relay/backend/internal/handler/relay"
	middlewarePkg "github.com/zhouzirui/z-relay/backend/internal/middleware"
	relayService "github.com/zhouzirui/z-relay/backend/internal/service/relay"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Options 路由依赖的配置项。
type Options struct {
	StaticDir       string
	AdminPassword   string
	MaxMessageBytes int64
	Logger          *slog.Logger
}

// NewRouter wires HTTP routes to the relay hub.
func NewRouter(hub *relayService.Hub, opts Options) http.Handler {
	r := chi.NewRouter()

	// RealIP is deliberately absent: the registry resolves forwarded headers itself.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	wsHandler := relay.NewWebSocketHandler(hub, opts.MaxMessageBytes, opts.Logger)
	adminHandler := admin.New(hub, opts.AdminPassword, opts.Logger)

	wsHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		adminHandler.RegisterRoutes(api)

		api.NotFound(func(w http.ResponseWriter, r *http.Request) {
			utils.RespondError(w, http.StatusNotFound, "not found")
		})
	})

	if opts.StaticDir != "" {
		r.Handle("/*", staticHandler(opts.StaticDir))
	}

	return r
}
