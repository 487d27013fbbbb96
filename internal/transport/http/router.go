package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"

	httpmw "github.com/curaline/realtime-service/internal/transport/http/middleware"
	"github.com/curaline/realtime-service/internal/transport/ws"
)

func NewRouter(h *Handler, wsServer *ws.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)

	// WS endpoint authenticates through query params (browser clients
	// cannot set headers on the upgrade request).
	r.Get("/ws", wsServer.HandleWS)

	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.AuthMiddleware)
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Route("/rooms/{id}", func(rr chi.Router) {
			rr.Get("/online", h.GetOnlineUsers)
			rr.Get("/typing", h.GetTyping)
			rr.Get("/messages", h.GetChatHistory)
		})

		pr.Route("/calls/{id}", func(cr chi.Router) {
			cr.Get("/", h.GetCall)
			cr.Post("/recording/start", h.StartRecording)
			cr.Post("/recording/stop", h.StopRecording)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
