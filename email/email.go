package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"handbook-notifier/pkg/notifier"
)

// Dispatcher renders one email per event kind and fans it out to the
// recipients who opted in to the email channel, using a pluggable provider.
type Dispatcher struct {
	provider Provider
	sink     notifier.Sink
	logger   *slog.Logger
	baseURL  string // platform base URL for deep links
}

// NewDispatcher creates a new email dispatcher.
func NewDispatcher(provider Provider, sink notifier.Sink, logger *slog.Logger, baseURL string) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		sink:     sink,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// Dispatch sends the event email to every decision that opted in to email
// and has a resolvable address. One recipient goes through the provider's
// single-send operation; two or more go through batch sends chunked at
// MaxBatchSize, issued sequentially. Provider errors are converted into
// the failed count and the per-recipient result list; Dispatch never
// returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, decisions []notifier.Decision, event *notifier.Event, hb *notifier.Handbook, topicTitle string) (result *notifier.DispatchResult) {
	result = &notifier.DispatchResult{}

	recipients := make([]notifier.Decision, 0, len(decisions))
	for _, dec := range decisions {
		if dec.SendEmail && dec.Email != "" {
			recipients = append(recipients, dec)
		}
	}
	if len(recipients) == 0 {
		return result
	}

	// A provider bug must not take down the whole request; anything not
	// confirmed delivered by the time of a panic counts as failed.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Email dispatch panicked", "panic", r, "event_key", event.Key())
			result.Failed = len(recipients) - result.Sent
		}
	}()

	subject := subjectFor(event, topicTitle)
	body := d.formatEventBody(event, hb, topicTitle)

	d.logger.Info("Dispatching event emails",
		"kind", string(event.Kind),
		"handbook_id", hb.ID,
		"topic_id", event.TopicID,
		"recipients", len(recipients))

	if len(recipients) == 1 {
		dec := recipients[0]
		if err := d.provider.Send(ctx, &Message{To: dec.Email, Subject: subject, HTML: body}); err != nil {
			d.logger.Warn("Single send failed", "to", dec.Email, "error", err)
			d.archive(ctx, "email_single", event, dec, err)
			result.Failed++
		} else {
			result.Sent++
			result.Delivered = append(result.Delivered, dec.UserID)
		}
		return result
	}

	for start := 0; start < len(recipients); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(recipients))
		chunk := recipients[start:end]

		msgs := make([]*Message, 0, len(chunk))
		for _, dec := range chunk {
			msgs = append(msgs, &Message{To: dec.Email, Subject: subject, HTML: body})
		}

		errs := d.provider.SendBatch(ctx, msgs)
		for i, err := range errs {
			if err != nil {
				d.logger.Warn("Batch send failed for recipient", "to", chunk[i].Email, "error", err)
				d.archive(ctx, "email_batch", event, chunk[i], err)
				result.Failed++
				continue
			}
			result.Sent++
			result.Delivered = append(result.Delivered, chunk[i].UserID)
		}
	}

	d.logger.Info("Event emails dispatched",
		"kind", string(event.Kind),
		"topic_id", event.TopicID,
		"sent", result.Sent,
		"failed", result.Failed)

	return result
}

func (d *Dispatcher) archive(ctx context.Context, stage string, event *notifier.Event, dec notifier.Decision, err error) {
	if d.sink == nil {
		return
	}
	d.sink.Archive(ctx, &notifier.Failure{
		Time:        time.Now().UTC(),
		Stage:       stage,
		Kind:        event.Kind,
		EventKey:    event.Key(),
		TopicID:     event.TopicID,
		RecipientID: dec.UserID,
		Email:       dec.Email,
		Error:       fmt.Sprintf("%v", err),
	})
}
