package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"diet-report/internal/apperr"
	"diet-report/internal/macros"
	"diet-report/internal/models"
	"diet-report/pkg/logger"

	"github.com/gorilla/mux"
)

const (
	maxBodyBytes    = 1 << 20
	maxWebhookBytes = 64 << 10
)

type Handler struct {
	deps   Deps
	logger *logger.Logger
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	code := apperr.Code(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && code == "INTERNAL" {
		h.logger.Errorw("Request failed", "route", routeOf(r), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code, Retryable: apperr.Retryable(code)})
}

// decode reads a JSON object body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: request body must be a JSON object: %v", apperr.ErrValidation, err)
	}
	return nil
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Create(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_token": sess.Token,
		"created_at":    sess.CreatedAt,
	})
}

func (h *Handler) SubmitStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	step, err := strconv.Atoi(vars["n"])
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: bad step index", apperr.ErrValidation))
		return
	}

	var payload map[string]any
	if err := decode(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	if payload == nil {
		h.writeError(w, r, fmt.Errorf("%w: step payload must be a JSON object", apperr.ErrValidation))
		return
	}

	merged, err := h.deps.Sessions.SubmitStep(r.Context(), vars["token"], step, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": vars["token"],
		"step":          step,
		"profile":       merged,
	})
}

// Macros recomputes the macro result from the current merged profile.
func (h *Handler) Macros(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Sessions.MergedProfile(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := macros.ComputeProfile(p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Tiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tiers": h.deps.Gate.Tiers()})
}

func (h *Handler) SelectTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TierID string `json:"tier_id"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.deps.Gate.SelectTier(r.Context(), mux.Vars(r)["token"], req.TierID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.deps.Gate.ApplyCoupon(r.Context(), mux.Vars(r)["token"], req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Gate.Checkout(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reportState struct {
	ReportID    string     `json:"report_id"`
	AccessToken string     `json:"access_token,omitempty"`
	Status      string     `json:"status"`
	Stage       int        `json:"stage"`
	StageName   string     `json:"stage_name"`
	Stages      []string   `json:"stages"`
	FailureCode string     `json:"failure_code,omitempty"`
	Retryable   bool       `json:"retryable,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Expired     bool       `json:"expired,omitempty"`
}

func stateOf(rep *models.Report, expired bool) reportState {
	return reportState{
		ReportID:    rep.ID,
		Status:      string(rep.Status),
		Stage:       int(rep.Stage),
		StageName:   rep.Stage.Name(),
		Stages:      models.ReportStages,
		FailureCode: rep.FailureCode,
		Retryable:   apperr.Retryable(rep.FailureCode),
		ExpiresAt:   rep.ExpiresAt,
		Expired:     expired,
	}
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentReference string `json:"payment_reference"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.deps.Gate.ConfirmPayment(r.Context(), mux.Vars(r)["token"], req.PaymentReference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	state := stateOf(c.Report, h.deps.Tokens.Expired(c.Report))
	state.AccessToken = c.Report.AccessToken
	writeJSON(w, http.StatusAccepted, map[string]any{
		"confirmation": c.Confirmation,
		"report":       state,
		"access_token": c.Report.AccessToken,
	})
}

// Report serves the stored content verbatim.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	content, err := h.deps.Tokens.Redeem(r.Context(), mux.Vars(r)["access_token"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, content)
}

func (h *Handler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := h.deps.Tokens.Resolve(r.Context(), mux.Vars(r)["access_token"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, stateOf(rep, h.deps.Tokens.Expired(rep)))
}

// StripeWebhook confirms paid checkouts through the same gate as the
// client. Client-side problems are acknowledged so the processor stops
// redelivering; internal errors get a 5xx so it retries.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Webhooks == nil {
		h.logger.Errorw("Webhook secret is not configured")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "webhook not configured", Code: "NOT_CONFIGURED"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.logger.Errorw("Failed to read webhook body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		h.logger.Errorw("Missing Stripe signature header")
		http.Error(w, "Missing signature", http.StatusBadRequest)
		return
	}

	completed, err := h.deps.Webhooks.ParseWebhook(body, signature)
	if err != nil {
		h.logger.Errorw("Failed to verify webhook", "error", err)
		h.writeError(w, r, err)
		return
	}
	if completed == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	c, err := h.deps.Gate.ConfirmPayment(r.Context(), completed.SessionToken, completed.Reference)
	switch {
	case err == nil:
		h.logger.Infow("Payment confirmed by webhook", "session", completed.SessionToken, "report", c.Report.ID)
	case errors.Is(err, apperr.ErrAlreadyPaid):
		h.logger.Warnw("Webhook for an already paid session", "session", completed.SessionToken, "reference", completed.Reference)
	case apperr.Status(err) < http.StatusInternalServerError:
		h.logger.Warnw("Webhook confirmation rejected", "session", completed.SessionToken, "error", err)
	default:
		h.writeError(w, r, err)
		return
	}

	// Respond with 200 OK to acknowledge receipt
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}
