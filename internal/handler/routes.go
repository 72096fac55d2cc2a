package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
)

// NewRouter mounts every endpoint on a chi router.
func NewRouter(campaigns *controller.CampaignController, receipts *ReceiptHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		controller.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Dispatch routes
	r.Post("/dispatch/{campaignID}", campaigns.StartDispatch)
	r.Post("/dispatch/{campaignID}/cancel", campaigns.CancelDispatch)

	// Campaign routes
	r.Get("/campaigns/{id}", campaigns.GetCampaign)
	r.Get("/campaigns/{id}/progress", campaigns.GetProgress)
	r.Get("/campaigns/{id}/logs", campaigns.ListLogs)

	// Vendor routes
	r.Post("/delivery-receipt", receipts.DeliveryReceiptHandler)
	r.Post("/vendor/send", receipts.VendorSendHandler)

	return r
}
