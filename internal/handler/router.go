package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/z-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/z-chat/backend/internal/handler/ws"
	"github.com/zhouzirui/z-chat/backend/internal/realtime"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Deps 汇总路由所需的服务。
type Deps struct {
	Chat        *chatService.Service
	Broadcaster *realtime.Broadcaster
	Realtime    config.RealtimeConfig
	Gatherer    prometheus.Gatherer
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": deps.Broadcaster.Registry().SessionCount(),
			"ai":       deps.Chat.AIEnabled(),
		})
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	chatHandler := chat.New(deps.Chat).WithStream(stream.New(deps.Chat).HandleTurn)
	gateway := ws.NewGateway(deps.Chat, deps.Broadcaster, deps.Realtime)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		gateway.RegisterRoutes(api)
	})

	return r
}
