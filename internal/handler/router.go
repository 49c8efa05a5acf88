package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/shopmart-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса шопмарт.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/coupons/validate", h.ValidateCoupon)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Post("/cancel", h.CancelOrder)
		r.Get("/{orderID}", h.GetOrder)
		r.Put("/{orderID}/status", h.UpdateOrderStatus)
	})

	r.Post("/delivery/complete", h.CompleteDelivery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
