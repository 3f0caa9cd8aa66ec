package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/samedit66/indusgpt/internal/models"
)

// errInvalidUserID marks a path {id} that is not a phone number.
var errInvalidUserID = errors.New("invalid user ID")

// fallbackBody is sent when a response cannot be encoded.
const fallbackBody = `{"status":"error","message":"Internal server error"}`

// statusFor maps a handler error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidUserID):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err under op and writes an error response with the status statusFor picks.
// Client errors carry err's text; server errors carry only msg.
func writeError(w http.ResponseWriter, op, msg string, err error) {
	code := statusFor(err)
	if code < http.StatusInternalServerError {
		slog.Debug(op+": bad request", "error", err)
		writeJSONResponse(w, code, models.Error(err.Error()))
		return
	}
	slog.Error(op+": request failed", "status", code, "error", err)
	writeJSONResponse(w, code, models.Error(msg))
}

// writeJSONResponse encodes response before writing headers so an encoding failure still
// produces a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		body = []byte(fallbackBody)
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}
