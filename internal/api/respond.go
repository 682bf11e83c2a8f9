package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/cadencehq/cadence/internal/apperr"
)

// errorEnvelope is the JSON error body for every non-XML endpoint.
type errorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

var statusByCode = map[apperr.Code]int{
	apperr.CodeValidation:          http.StatusBadRequest,
	apperr.CodeContactability:      http.StatusUnprocessableEntity,
	apperr.CodeNotFound:            http.StatusNotFound,
	apperr.CodeUnauthorized:        http.StatusUnauthorized,
	apperr.CodeBackpressure:        http.StatusServiceUnavailable,
	apperr.CodeBreakerOpen:         http.StatusServiceUnavailable,
	apperr.CodeStoreTransient:      http.StatusServiceUnavailable,
	apperr.CodeCarrierTransient:    http.StatusBadGateway,
	apperr.CodeModelTransient:      http.StatusBadGateway,
	apperr.CodeIdempotencyConflict: http.StatusConflict,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	writeJSON(w, status, errorEnvelope{
		Code:      string(code),
		Message:   msg,
		Retryable: apperr.Retryable(err),
		RequestID: middleware.GetReqID(r.Context()),
	})
}
