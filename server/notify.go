package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"handbook-notifier/fanout"
	"handbook-notifier/pkg/notifier"
)

// forumEventRequest is the webhook payload sent by the platform's forum
// trigger when a topic or reply is created.
type forumEventRequest struct {
	Type           string `json:"type"`
	HandbookID     string `json:"handbook_id"`
	TopicID        string `json:"topic_id"`
	PostID         string `json:"post_id,omitempty"`
	AuthorName     string `json:"author_name"`
	ContentPreview string `json:"content_preview"`
	Title          string `json:"title,omitempty"`
}

type fanOutResponse struct {
	Success bool `json:"success"`
	Sent    int  `json:"sent"`
	Skipped int  `json:"skipped"`
	Failed  int  `json:"failed"`
	Total   int  `json:"total"`
}

// handleForumEvent is the fan-out entry point. The shared-secret gate
// runs before anything else: a rejected request touches neither the
// database nor the email provider.
func (s *Server) handleForumEvent(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHook(r) {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req forumEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	kind, err := notifier.ParseEventKind(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid event type")
		return
	}
	if req.HandbookID == "" || req.TopicID == "" {
		s.writeError(w, http.StatusBadRequest, "handbook_id and topic_id are required")
		return
	}
	// A reply event without its post cannot be resolved.
	if kind == notifier.KindNewReply && req.PostID == "" {
		s.writeError(w, http.StatusBadRequest, "post_id is required for new_reply events")
		return
	}

	event := &notifier.Event{
		Kind:           kind,
		HandbookID:     req.HandbookID,
		TopicID:        req.TopicID,
		PostID:         req.PostID,
		ActorName:      req.AuthorName,
		ContentPreview: req.ContentPreview,
		Title:          req.Title,
	}

	result, err := s.fanout.Run(r.Context(), event)
	if err != nil {
		s.writeFanOutError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, fanOutResponse{
		Success: true,
		Sent:    result.Sent,
		Skipped: result.Skipped,
		Failed:  result.Failed,
		Total:   result.Total,
	})
}

func (s *Server) writeFanOutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fanout.ErrHandbookNotFound):
		s.writeError(w, http.StatusNotFound, "Handbook not found")
	case errors.Is(err, fanout.ErrTopicNotFound):
		s.writeError(w, http.StatusNotFound, "Topic not found")
	case errors.Is(err, fanout.ErrReplyNotFound):
		s.writeError(w, http.StatusNotFound, "Reply not found")
	case errors.Is(err, fanout.ErrMemberDirectory):
		s.logger.Error("Member directory lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get members")
	default:
		s.logger.Error("Fan-out failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// authorizeHook checks the bearer credential against the webhook secret
// and the service key, in constant time. Both secrets are opaque strings;
// either grants access.
func (s *Server) authorizeHook(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}

	if s.webhookSecret != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookSecret)) == 1 {
		return true
	}
	if s.serviceKey != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceKey)) == 1 {
		return true
	}
	return false
}
