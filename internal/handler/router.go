package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/shaka-agent/internal/middleware"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// SetupRouter настраивает HTTP-маршруты вендингового сервера. Маршруты бэкенда монтируются
// под /stripe или /nayax в зависимости от протокола.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.CORS)

	r.Get("/health", h.Health)
	r.Get("/sessions", h.ListSessions)

	r.Route("/"+payment.RoutePrefix(h.backend.Protocol()), func(r chi.Router) {
		r.Post("/pay", h.Pay)
		r.Post("/add-item", h.AddItem)
		r.Post("/vend-result", h.VendResult)
		r.Post("/cancel", h.Cancel)
		r.Post("/reset", h.Reset)
		r.Get("/status", h.Status)

		r.Group(func(r chi.Router) {
			r.Use(h.relay.Middleware)
			r.Post("/webhook", h.Webhook)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, response{Message: http.StatusText(http.StatusNotFound)})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, response{Message: http.StatusText(http.StatusMethodNotAllowed)})
	})

	return r
}
