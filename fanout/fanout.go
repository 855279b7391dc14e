// Package fanout implements the forum notification workflow: recipient
// resolution, preference filtering, in-app record creation, email
// dispatch, and delivery-status reconciliation.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"handbook-notifier/pkg/notifier"
)

// Sentinel errors mapped to HTTP statuses by the server.
var (
	ErrHandbookNotFound = errors.New("handbook not found")
	ErrTopicNotFound    = errors.New("topic not found")
	ErrReplyNotFound    = errors.New("reply not found")
	ErrMemberDirectory  = errors.New("failed to get members")
)

// Store is the persistence surface the workflow needs.
type Store interface {
	Handbook(ctx context.Context, id string) (*notifier.Handbook, error)
	Topic(ctx context.Context, id string) (*notifier.Topic, error)
	Post(ctx context.Context, id string) (*notifier.Post, error)
	TopicParticipants(ctx context.Context, topicID string) ([]string, error)
	Members(ctx context.Context, handbookID string) ([]*notifier.Member, error)
	InsertNotification(ctx context.Context, rec *notifier.Record, eventKey string) error
	MarkEmailSent(ctx context.Context, recipientIDs []string, event *notifier.Event) error
}

// Emailer dispatches the event email to opted-in recipients.
type Emailer interface {
	Dispatch(ctx context.Context, decisions []notifier.Decision, event *notifier.Event, hb *notifier.Handbook, topicTitle string) *notifier.DispatchResult
}

// Result is the per-event fan-out outcome returned to the caller.
// Total counts every resolved candidate; Skipped counts candidates not
// eligible for email (opted out or no address); Sent and Failed are the
// email outcomes among the rest. Total = Sent + Failed + Skipped.
type Result struct {
	Total   int
	Sent    int
	Skipped int
	Failed  int
}

// Service runs the fan-out workflow for one event at a time.
type Service struct {
	store   Store
	emailer Emailer
	sink    notifier.Sink
	logger  *slog.Logger
}

// New creates a new fan-out service.
func New(store Store, emailer Emailer, sink notifier.Sink, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		emailer: emailer,
		sink:    sink,
		logger:  logger,
	}
}

// Run executes the full workflow for one event: resolve candidates,
// filter by preference, write in-app records (best effort), dispatch
// emails, and reconcile delivery status. Resolution failures abort with
// a sentinel error before any side effect; later failures are absorbed
// into the counts.
func (s *Service) Run(ctx context.Context, event *notifier.Event) (*Result, error) {
	hb, topic, candidates, err := s.resolve(ctx, event)
	if err != nil {
		return nil, err
	}

	decisions := make([]notifier.Decision, 0, len(candidates))
	for _, m := range candidates {
		decisions = append(decisions, Decide(m, event.Kind))
	}

	s.logger.Info("Fan-out started",
		"kind", string(event.Kind),
		"handbook_id", hb.ID,
		"topic_id", topic.ID,
		"candidates", len(decisions))

	// In-app records first, so a record exists before its email-sent flag
	// can be reconciled. Failures here never block the email path.
	s.writeAll(ctx, decisions, event)

	dispatch := s.emailer.Dispatch(ctx, decisions, event, hb, topic.Title)

	if dispatch.Sent > 0 {
		s.markSent(ctx, dispatch.Delivered, event)
	}

	result := &Result{
		Total:   len(decisions),
		Sent:    dispatch.Sent,
		Failed:  dispatch.Failed,
		Skipped: len(decisions) - dispatch.Sent - dispatch.Failed,
	}

	s.logger.Info("Fan-out completed",
		"kind", string(event.Kind),
		"topic_id", topic.ID,
		"total", result.Total,
		"sent", result.Sent,
		"skipped", result.Skipped,
		"failed", result.Failed)

	return result, nil
}

func (s *Service) archive(ctx context.Context, stage string, event *notifier.Event, recipientID string, err error) {
	if s.sink == nil {
		return
	}
	s.sink.Archive(ctx, &notifier.Failure{
		Time:        time.Now().UTC(),
		Stage:       stage,
		Kind:        event.Kind,
		EventKey:    event.Key(),
		TopicID:     event.TopicID,
		RecipientID: recipientID,
		Error:       fmt.Sprintf("%v", err),
	})
}
