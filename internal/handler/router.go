package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/pos-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware кассового движка.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))

	// promhttp сжимает ответ сам.
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Post("/login", h.Login)

		r.Route("/terminals", func(r chi.Router) {
			r.Post("/", h.RegisterTerminal)
			r.Get("/{id}", h.GetTerminal)
			r.Put("/{id}", h.UpdateTerminal)
		})

		r.Route("/fulfillment", func(r chi.Router) {
			r.Get("/failures", h.ListFailures)
			r.Post("/{id}/replay", h.Replay)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.OpenSession)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetSession)
					r.Post("/confirm", h.ConfirmOpening)
					r.Post("/closing", h.StartClosing)
					r.Post("/close", h.CloseSession)
					r.Post("/reopen", h.ReopenSession)
					r.Get("/report", h.SessionReport)
					r.Post("/orders", h.CreateOrder)
					r.Post("/sync", h.SyncOffline)
				})
			})

			r.Route("/orders/{id}", func(r chi.Router) {
				r.Get("/", h.GetOrder)
				r.Get("/intents", h.OrderIntents)
				r.Post("/lines", h.AddLine)
				r.Put("/lines/{lineID}", h.UpdateLine)
				r.Delete("/lines/{lineID}", h.RemoveLine)
				r.Post("/discount", h.ApplyDiscount)
				r.Post("/pay", h.PayOrder)
				r.Post("/done", h.MarkDone)
				r.Post("/invoice", h.Invoice)
				r.Post("/cancel", h.CancelOrder)
				r.Post("/refund", h.RefundOrder)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
