package handler

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func BadRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg)
}

func Unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

// PaymentRequired is the metering denial (quota exhausted or card declined).
func PaymentRequired(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusPaymentRequired, msg)
}

func Forbidden(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusForbidden, msg)
}

func NotFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func Conflict(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusConflict, msg)
}

// UpstreamError reports a payment-provider or interpreter outage. Details
// stay in the logs; the client gets a retryable generic message.
func UpstreamError(w http.ResponseWriter) {
	writeError(w, http.StatusBadGateway, "upstream provider error, try again")
}

// InternalError never leaks details to the client.
func InternalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "internal error")
}
