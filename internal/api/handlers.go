// Package api provides HTTP handlers for the follow-up service endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/postopcare/followup/internal/models"
)

// inviteRequest is the payload for launching a questionnaire cycle.
type inviteRequest struct {
	Address    string            `json:"address"`
	PatientID  string            `json:"patient_id,omitempty"`
	FollowUpID string            `json:"follow_up_id"`
	TemplateID string            `json:"template_id"`
	Params     map[string]string `json:"params,omitempty"`
	Locale     string            `json:"locale,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

// inviteHandler sends the invitation template for a follow-up cycle and arms
// the conversation to receive answers.
func (s *Server) inviteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.inviteHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.FollowUpID == "" || req.TemplateID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("follow_up_id and template_id are required"))
		return
	}

	canonicalTo, err := s.msgService.ValidateAndCanonicalizeRecipient(req.Address)
	if err != nil {
		slog.Warn("Server.inviteHandler: recipient validation failed", "error", err, "address", req.Address)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.gate.MarkTemplateSent(r.Context(), canonicalTo, req.PatientID, req.FollowUpID, req.TemplateID, req.Params, req.Locale); err != nil {
		slog.Error("Server.inviteHandler: failed to send invitation", "error", err, "followUpID", req.FollowUpID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send invitation"))
		return
	}

	slog.Info("Server.inviteHandler: invitation sent", "to", canonicalTo, "followUpID", req.FollowUpID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Invitation sent", nil))
}

// followUpResponseHandler returns the structured clinical response recorded
// for a follow-up, if one exists.
func (s *Server) followUpResponseHandler(w http.ResponseWriter, r *http.Request) {
	followUpID := chi.URLParam(r, "followUpID")
	if followUpID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("follow-up id is required"))
		return
	}

	resp, err := s.store.GetFollowUpResponse(followUpID)
	if err != nil {
		slog.Error("Server.followUpResponseHandler: store lookup failed", "error", err, "followUpID", followUpID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load follow-up response"))
		return
	}
	if resp == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No response recorded for follow-up"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// conversationStatusHandler reports whether a patient address has a live
// invitation and which follow-up cycle it is bound to.
func (s *Server) conversationStatusHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(address)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	awaiting, err := s.gate.IsAwaitingQuestionnaire(canonical)
	if err != nil {
		slog.Error("Server.conversationStatusHandler: gate check failed", "error", err, "address", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check conversation status"))
		return
	}

	followUpID, err := s.gate.GetConversationFollowUp(canonical)
	if err != nil {
		slog.Error("Server.conversationStatusHandler: follow-up lookup failed", "error", err, "address", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation follow-up"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"address":                canonical,
		"awaiting_questionnaire": awaiting,
		"follow_up_id":           followUpID,
	}))
}
