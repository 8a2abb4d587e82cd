// Package apperr holds the error taxonomy shared by the pipeline and its
// mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrInvalidCoupon     = errors.New("coupon is not valid")
	ErrAlreadyPaid       = errors.New("session already has a confirmed payment")
	ErrNoAdmissibleFood  = errors.New("no admissible food left")
	ErrGenerationTimeout = errors.New("report generation timed out")
	ErrGenerationFailed  = errors.New("report generation failed")
	ErrNotFound          = errors.New("not found")
	ErrExpired           = errors.New("access token expired")
	ErrReportNotReady    = errors.New("report is not ready")
	ErrPaymentUnverified = errors.New("payment could not be verified")
)

type mapping struct {
	err    error
	status int
	code   string
}

// Order matters: ErrSessionExpired errors also wrap ErrSessionNotFound.
var table = []mapping{
	{ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{ErrSessionExpired, http.StatusGone, "SESSION_EXPIRED"},
	{ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{ErrInvalidCoupon, http.StatusBadRequest, "INVALID_COUPON"},
	{ErrAlreadyPaid, http.StatusConflict, "ALREADY_PAID"},
	{ErrNoAdmissibleFood, http.StatusUnprocessableEntity, "NO_ADMISSIBLE_FOOD"},
	{ErrGenerationTimeout, http.StatusServiceUnavailable, "GENERATION_TIMEOUT"},
	{ErrGenerationFailed, http.StatusBadGateway, "GENERATION_FAILED"},
	{ErrExpired, http.StatusGone, "EXPIRED"},
	{ErrReportNotReady, http.StatusConflict, "REPORT_NOT_READY"},
	{ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{ErrPaymentUnverified, http.StatusPaymentRequired, "PAYMENT_UNVERIFIED"},
}

// Status returns the HTTP status for err, 500 when it is not part of the
// taxonomy.
func Status(err error) int {
	for _, m := range table {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	for _, m := range table {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return "INTERNAL"
}

// Retryable reports whether the client may retry by re-confirming payment.
func Retryable(code string) bool {
	return code == "GENERATION_TIMEOUT" || code == "GENERATION_FAILED"
}

// FromCode returns the taxonomy error behind a code recorded on a failed
// report, or nil when the code is unknown.
func FromCode(code string) error {
	for _, m := range table {
		if m.code == code {
			return m.err
		}
	}
	return nil
}
