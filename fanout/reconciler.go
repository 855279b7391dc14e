package fanout

import (
	"context"

	"handbook-notifier/pkg/notifier"
)

// markSent flags the in-app records of recipients whose email the
// provider actually accepted. Keyed off the dispatcher's per-recipient
// result list, never off a positional count, so partial batch failures
// mark exactly the right rows.
func (s *Service) markSent(ctx context.Context, delivered []string, event *notifier.Event) {
	if len(delivered) == 0 {
		return
	}

	if err := s.store.MarkEmailSent(ctx, delivered, event); err != nil {
		// The emails went out; a stale email_sent flag is not worth
		// failing the request over.
		s.logger.Warn("Delivery status reconciliation failed",
			"recipients", len(delivered),
			"topic_id", event.TopicID,
			"error", err)
		s.archive(ctx, "reconcile", event, "", err)
	}
}
