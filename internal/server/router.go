package server

import (
	"net/http"

	"diet-report/internal/payment"
	"diet-report/internal/session"
	"diet-report/internal/token"
	"diet-report/pkg/logger"

	"github.com/gorilla/mux"
)

// WebhookParser turns a signed processor callback into a paid checkout.
type WebhookParser interface {
	ParseWebhook(payload []byte, sig string) (*payment.CompletedCheckout, error)
}

type Deps struct {
	Sessions *session.Store
	Gate     *payment.Gate
	Tokens   *token.Issuer
	// Webhooks is nil when no processor is configured.
	Webhooks WebhookParser
}

// NewRouter wires every route of the public API.
func NewRouter(deps Deps, log *logger.Logger) *mux.Router {
	h := &Handler{deps: deps, logger: log.Named("http")}

	router := mux.NewRouter().StrictSlash(true)
	router.Use(h.recoverer, h.requestLogger)

	router.HandleFunc("/session", h.CreateSession).Methods(http.MethodPost)
	router.HandleFunc("/session/{token}/step/{n:[0-9]+}", h.SubmitStep).Methods(http.MethodPost)
	router.HandleFunc("/session/{token}/macros", h.Macros).Methods(http.MethodGet)
	router.HandleFunc("/session/{token}/tier", h.SelectTier).Methods(http.MethodPost)
	router.HandleFunc("/session/{token}/coupon", h.ApplyCoupon).Methods(http.MethodPost)
	router.HandleFunc("/session/{token}/checkout", h.Checkout).Methods(http.MethodPost)
	router.HandleFunc("/session/{token}/confirm-payment", h.ConfirmPayment).Methods(http.MethodPost)

	router.HandleFunc("/report/{access_token}", h.Report).Methods(http.MethodGet)
	router.HandleFunc("/report/{access_token}/status", h.ReportStatus).Methods(http.MethodGet)

	router.HandleFunc("/tiers", h.Tiers).Methods(http.MethodGet)
	router.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods(http.MethodPost)

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}
