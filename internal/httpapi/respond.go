package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"ticketing/scanner-service/internal/codec"
	"ticketing/scanner-service/internal/scansync"
	"ticketing/scanner-service/internal/store"
)

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

func mapError(err error) (int, string, string) {
	var verr *scansync.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, "validation_failed", verr.Error()
	case errors.Is(err, store.ErrFunctionNotFound):
		return http.StatusNotFound, "function_not_found", "function not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrInvalidStatus):
		return http.StatusUnprocessableEntity, "invalid_status", "unknown ticket status"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeValidationError(w http.ResponseWriter, requestID string, verr *scansync.ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    "validation_failed",
			Message: "the given data was invalid",
			Fields:  verr.Fields,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeData honours Accept: application/cbor on scanner payloads and falls
// back to JSON.
func writeData(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	w.Header().Add("Vary", "Accept")
	if !codec.Accepts(r.Header.Get("Accept")) {
		writeJSON(w, status, payload)
		return
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "encode response")
		return
	}
	w.Header().Set("Content-Type", codec.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
