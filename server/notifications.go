package server

import (
	"errors"
	"net/http"

	"handbook-notifier/pkg/notifier"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticateMember(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	recs, err := s.store.NotificationsFor(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to list notifications", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	if recs == nil {
		recs = []*notifier.Record{}
	}

	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleListUnread(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticateMember(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	recs, err := s.store.UnreadFor(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to list unread notifications", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	if recs == nil {
		recs = []*notifier.Record{}
	}

	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticateMember(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Notification id is required")
		return
	}

	rec, err := s.store.Notification(r.Context(), id)
	if err != nil {
		if errors.Is(err, notifier.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Notification not found")
			return
		}
		s.logger.Error("Failed to load notification", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Members can only touch their own notifications.
	if rec.RecipientID != userID {
		s.writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	if err := s.store.MarkRead(r.Context(), id); err != nil {
		s.logger.Error("Failed to mark notification read", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticateMember(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := s.store.MarkAllRead(r.Context(), userID); err != nil {
		s.logger.Error("Failed to mark all notifications read", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
