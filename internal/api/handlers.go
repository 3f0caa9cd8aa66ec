package api

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/samedit66/indusgpt/internal/messaging"
	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/processors"
)

// StateView is the JSON form of a user's conversation state.
type StateView struct {
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
	Status         string `json:"status"`
	Cursor         int    `json:"cursor"`
	Total          int    `json:"total"`
	Question       string `json:"question,omitempty"`
	PartialContext string `json:"partial_context,omitempty"`
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"questions": len(s.conv.Questions()),
	}
	users, err := s.st.ListUsers(ctx)
	if err != nil {
		slog.Warn("Health check: failed to list users", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to read conversations"
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Success(healthData))
		return
	}
	healthData["users"] = len(users)
	writeJSONResponse(w, http.StatusOK, models.Success(healthData))
}

// userID canonicalizes the {id} path value, writing a 400 response when it is invalid.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := messaging.CanonicalizePhone(r.PathValue("id"))
	if err != nil {
		writeError(w, "Server.userID", "", fmt.Errorf("%w: %w", errInvalidUserID, err))
		return "", false
	}
	return id, true
}

// stateHandler handles GET /users/{id}/state
func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	state, err := s.conv.CurrentState(r.Context(), id)
	if err != nil {
		writeError(w, "Server.stateHandler", "Failed to read conversation state", fmt.Errorf("user %s: %w", id, err))
		return
	}
	name, _ := s.st.GetUserName(r.Context(), id)
	writeJSONResponse(w, http.StatusOK, models.Success(StateView{
		UserID:         id,
		UserName:       name,
		Status:         state.Status.String(),
		Cursor:         state.Cursor,
		Total:          len(s.conv.Questions()),
		Question:       state.Question.Text,
		PartialContext: state.PartialContext,
	}))
}

// qaHandler handles GET /users/{id}/qa
func (s *Server) qaHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	pairs, err := s.conv.QaPairs(r.Context(), id)
	if err != nil {
		writeError(w, "Server.qaHandler", "Failed to list answers", fmt.Errorf("user %s: %w", id, err))
		return
	}
	if pairs == nil {
		pairs = []models.QaPair{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pairs))
}

// finishHandler handles POST /users/{id}/finish. Finishing twice is not an error.
func (s *Server) finishHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	pairs, err := s.conv.ForceFinish(r.Context(), id)
	if err != nil {
		writeError(w, "Server.finishHandler", "Failed to finish conversation", fmt.Errorf("user %s: %w", id, err))
		return
	}
	if pairs == nil {
		pairs = []models.QaPair{}
	}
	slog.Info("Server.finishHandler: conversation finished", "user", id, "answers", len(pairs))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation finished", pairs))
}

// exportHandler handles GET /export with every user's answers as CSV.
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	rows, err := processors.ExportQaPairs(r.Context(), s.st, len(s.conv.Questions()), &buf)
	if err != nil {
		writeError(w, "Server.exportHandler", "Failed to export answers", err)
		return
	}
	slog.Debug("Server.exportHandler: export written", "rows", rows)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="answers.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Server.exportHandler: write failed", "error", err)
	}
}
