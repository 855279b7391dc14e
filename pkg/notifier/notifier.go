// Package notifier contains the core domain types for the handbook
// forum notification service.
package notifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a referenced record does not exist in storage.
var ErrNotFound = errors.New("record not found")

// EventKind identifies the forum event that triggers a fan-out.
// It is a closed set; every consumer switches exhaustively on it.
type EventKind string

const (
	// KindNewTopic is a newly created forum topic.
	KindNewTopic EventKind = "new_topic"
	// KindNewReply is a reply posted to an existing topic.
	KindNewReply EventKind = "new_reply"
)

// ParseEventKind validates a wire-format event type string.
func ParseEventKind(s string) (EventKind, error) {
	switch EventKind(s) {
	case KindNewTopic:
		return KindNewTopic, nil
	case KindNewReply:
		return KindNewReply, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// Event is one forum event to fan out to handbook members.
type Event struct {
	Kind           EventKind
	HandbookID     string
	TopicID        string
	PostID         string // set only for KindNewReply
	ActorName      string // display name of the member who triggered the event
	ContentPreview string
	Title          string // optional override title, KindNewTopic only
}

// Key derives the idempotency key for this event. A redelivered webhook
// produces the same key, so notification inserts can dedupe on it.
func (e *Event) Key() string {
	h := sha256.Sum256([]byte(string(e.Kind) + "|" + e.HandbookID + "|" + e.TopicID + "|" + e.PostID))
	return hex.EncodeToString(h[:])
}

// Handbook is one tenant: a housing association's digital handbook.
type Handbook struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"` // URL path segment for deep links
}

// Topic is a forum discussion thread within a handbook.
type Topic struct {
	ID         string `json:"id"`
	HandbookID string `json:"handbook_id"`
	Title      string `json:"title"`
	AuthorID   string `json:"author_id"`
}

// Post is a single reply within a topic.
type Post struct {
	ID       string `json:"id"`
	TopicID  string `json:"topic_id"`
	AuthorID string `json:"author_id"`
}

// Preferences holds a member's per-event-type, per-channel notification
// switches. A nil field means the member never touched the switch, which
// counts as enabled (opt-out model).
type Preferences struct {
	EmailNewTopics  *bool `json:"email_new_topics,omitempty"`
	AppNewTopics    *bool `json:"app_new_topics,omitempty"`
	EmailNewReplies *bool `json:"email_new_replies,omitempty"`
	AppNewReplies   *bool `json:"app_new_replies,omitempty"`
	EmailMentions   *bool `json:"email_mentions,omitempty"`
	AppMentions     *bool `json:"app_mentions,omitempty"`
}

// EmailEnabled reports whether the email channel is on for the given kind.
// Safe to call on a nil receiver (no stored preferences).
func (p *Preferences) EmailEnabled(kind EventKind) bool {
	if p == nil {
		return true
	}
	switch kind {
	case KindNewTopic:
		return enabled(p.EmailNewTopics)
	case KindNewReply:
		return enabled(p.EmailNewReplies)
	default:
		return true
	}
}

// AppEnabled reports whether the in-app channel is on for the given kind.
// Safe to call on a nil receiver.
func (p *Preferences) AppEnabled(kind EventKind) bool {
	if p == nil {
		return true
	}
	switch kind {
	case KindNewTopic:
		return enabled(p.AppNewTopics)
	case KindNewReply:
		return enabled(p.AppNewReplies)
	default:
		return true
	}
}

// enabled treats an unset switch as on; only an explicit false suppresses.
func enabled(b *bool) bool {
	return b == nil || *b
}

// Member is one handbook member considered for notification.
type Member struct {
	UserID      string
	Name        string
	Email       string // empty when no address could be resolved
	Preferences *Preferences
}

// Decision is the per-channel outcome of preference filtering for one member.
type Decision struct {
	UserID                string
	Email                 string
	CreateAppNotification bool
	SendEmail             bool
}

// Record is a persisted in-app notification.
type Record struct {
	ID          string     `json:"id"`
	RecipientID string     `json:"recipient_id"`
	TopicID     string     `json:"topic_id"`
	PostID      string     `json:"post_id,omitempty"`
	Kind        EventKind  `json:"notification_type"`
	IsRead      bool       `json:"is_read"`
	EmailSent   bool       `json:"email_sent"`
	EmailSentAt *time.Time `json:"email_sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DispatchResult reports the outcome of an email dispatch.
type DispatchResult struct {
	Sent      int
	Failed    int
	Delivered []string // user ids whose message the provider accepted
}

// Failure is one delivery failure surfaced to the observability sink.
type Failure struct {
	Time        time.Time `json:"time"`
	Stage       string    `json:"stage"` // app_write, email_single, email_batch, reconcile
	Kind        EventKind `json:"kind"`
	EventKey    string    `json:"event_key"`
	TopicID     string    `json:"topic_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Email       string    `json:"email,omitempty"`
	Error       string    `json:"error"`
}

// Sink archives delivery failures for later inspection. Implementations
// must never block or fail the notification workflow.
type Sink interface {
	Archive(ctx context.Context, f *Failure)
}
