package fanout

import (
	"context"
	"errors"
	"fmt"

	"handbook-notifier/pkg/notifier"
)

// resolve determines the candidate recipient set for an event. A new
// topic goes to every member of the handbook except the topic author; a
// reply goes to the topic author plus everyone who posted in the topic,
// minus the replier. Members without an email address stay in the set:
// they remain eligible for in-app notifications.
func (s *Service) resolve(ctx context.Context, event *notifier.Event) (*notifier.Handbook, *notifier.Topic, []*notifier.Member, error) {
	hb, err := s.store.Handbook(ctx, event.HandbookID)
	if err != nil {
		if errors.Is(err, notifier.ErrNotFound) {
			return nil, nil, nil, ErrHandbookNotFound
		}
		return nil, nil, nil, fmt.Errorf("lookup handbook: %w", err)
	}

	topic, err := s.store.Topic(ctx, event.TopicID)
	if err != nil {
		if errors.Is(err, notifier.ErrNotFound) {
			return nil, nil, nil, ErrTopicNotFound
		}
		return nil, nil, nil, fmt.Errorf("lookup topic: %w", err)
	}
	// A topic id from another handbook must not leak across tenants.
	if topic.HandbookID != event.HandbookID {
		return nil, nil, nil, ErrTopicNotFound
	}

	members, err := s.store.Members(ctx, event.HandbookID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrMemberDirectory, err)
	}

	var candidates []*notifier.Member
	switch event.Kind {
	case notifier.KindNewTopic:
		for _, m := range members {
			if m.UserID == topic.AuthorID {
				continue
			}
			candidates = append(candidates, m)
		}

	case notifier.KindNewReply:
		post, err := s.store.Post(ctx, event.PostID)
		if err != nil {
			if errors.Is(err, notifier.ErrNotFound) {
				return nil, nil, nil, ErrReplyNotFound
			}
			return nil, nil, nil, fmt.Errorf("lookup post: %w", err)
		}
		if post.TopicID != event.TopicID {
			return nil, nil, nil, ErrReplyNotFound
		}

		participants, err := s.store.TopicParticipants(ctx, event.TopicID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("lookup topic participants: %w", err)
		}

		// Topic author plus everyone who posted, minus the replier.
		interested := make(map[string]bool, len(participants)+1)
		interested[topic.AuthorID] = true
		for _, id := range participants {
			interested[id] = true
		}
		delete(interested, post.AuthorID)

		for _, m := range members {
			if interested[m.UserID] {
				candidates = append(candidates, m)
			}
		}

	default:
		return nil, nil, nil, fmt.Errorf("unknown event kind %q", event.Kind)
	}

	return hb, topic, candidates, nil
}
