package server

import (
	"encoding/json"
	"net/http"

	"handbook-notifier/pkg/notifier"
)

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticateMember(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	prefs, err := s.store.PreferencesFor(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to load preferences", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if prefs == nil {
		// Never saved: every switch is unset, which means enabled.
		prefs = &notifier.Preferences{}
	}

	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticateMember(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var prefs notifier.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.store.SavePreferences(r.Context(), userID, &prefs); err != nil {
		s.logger.Error("Failed to save preferences", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, &prefs)
}
