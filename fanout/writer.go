package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"handbook-notifier/pkg/notifier"
)

// writeAll creates one in-app notification record per recipient who
// opted in to the channel. Inserts are issued concurrently and settled
// collectively; a failed insert is logged and archived but never aborts
// the batch or reaches the caller.
func (s *Service) writeAll(ctx context.Context, decisions []notifier.Decision, event *notifier.Event) {
	eventKey := event.Key()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for _, dec := range decisions {
		if !dec.CreateAppNotification {
			continue
		}

		wg.Add(1)
		go func(dec notifier.Decision) {
			defer wg.Done()

			rec := &notifier.Record{
				ID:          uuid.New().String(),
				RecipientID: dec.UserID,
				TopicID:     event.TopicID,
				PostID:      event.PostID,
				Kind:        event.Kind,
				CreatedAt:   now,
			}

			if err := s.store.InsertNotification(ctx, rec, eventKey); err != nil {
				s.logger.Warn("In-app notification write failed",
					"recipient", dec.UserID,
					"topic_id", event.TopicID,
					"error", err)
				s.archive(ctx, "app_write", event, dec.UserID, err)
			}
		}(dec)
	}
	wg.Wait()
}
