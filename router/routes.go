package router

import (
	"github.com/go-chi/chi/v5"

	"github.com/payflowhq/payflow/handler"

	// Import for side-effect registration
	_ "github.com/payflowhq/payflow/provider/mtnmomo"
	_ "github.com/payflowhq/payflow/provider/orangemoney"
	_ "github.com/payflowhq/payflow/provider/stripe"
)

// Routes mounts the versioned API surface
func Routes(r chi.Router, payments *handler.PaymentHandler, health *handler.HealthHandler) {
	r.Get("/health", health.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", payments.CreatePayment)
			r.Get("/status/{intentID}", payments.GetPaymentStatus)
			r.Post("/retry", payments.RetryPayment)
			r.Post("/void/{intentID}", payments.VoidPayment)
			r.Post("/refund/{intentID}", payments.RefundPayment)
		})

		// provider callbacks, authenticated by signature instead of tokens
		r.Post("/webhooks/{provider}", payments.HandleWebhook)

		r.Get("/providers", payments.ListProviders)
	})
}
