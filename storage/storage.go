// Package storage persists handbooks, members, forum content, and
// notification records in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	_ "modernc.org/sqlite"

	"handbook-notifier/pkg/notifier"
)

const schema = `
CREATE TABLE IF NOT EXISTS handbooks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    slug TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS members (
    handbook_id TEXT NOT NULL REFERENCES handbooks(id),
    user_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    -- NULL when the directory has no resolvable address for this member
    email TEXT,
    PRIMARY KEY (handbook_id, user_id)
);

CREATE TABLE IF NOT EXISTS preferences (
    user_id TEXT PRIMARY KEY,
    -- tri-state switches: NULL means never set, which counts as enabled
    email_new_topics INTEGER,
    app_new_topics INTEGER,
    email_new_replies INTEGER,
    app_new_replies INTEGER,
    email_mentions INTEGER,
    app_mentions INTEGER
);

CREATE TABLE IF NOT EXISTS topics (
    id TEXT PRIMARY KEY,
    handbook_id TEXT NOT NULL REFERENCES handbooks(id),
    title TEXT NOT NULL,
    author_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
    id TEXT PRIMARY KEY,
    topic_id TEXT NOT NULL REFERENCES topics(id),
    author_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_posts_topic ON posts(topic_id);

CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    recipient_id TEXT NOT NULL,
    topic_id TEXT NOT NULL,
    post_id TEXT,
    notification_type TEXT NOT NULL,
    is_read INTEGER NOT NULL DEFAULT 0,
    email_sent INTEGER NOT NULL DEFAULT 0,
    email_sent_at DATETIME,
    event_key TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_notifications_recipient
    ON notifications(recipient_id);

CREATE INDEX IF NOT EXISTS idx_notifications_unread
    ON notifications(recipient_id, is_read) WHERE is_read = 0;

-- One in-app row per (recipient, event); redelivered webhooks dedupe here.
CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup
    ON notifications(recipient_id, event_key);
`

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
// WAL plus a busy timeout so concurrent notification inserts queue
// instead of failing with SQLITE_BUSY.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing database handle and applies the schema.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Handbook loads one handbook by id.
func (s *Store) Handbook(ctx context.Context, id string) (*notifier.Handbook, error) {
	var hb notifier.Handbook
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug FROM handbooks WHERE id = ?`, id).
		Scan(&hb.ID, &hb.Name, &hb.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("handbook %s: %w", id, notifier.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query handbook: %w", err)
	}
	return &hb, nil
}

// Topic loads one forum topic by id.
func (s *Store) Topic(ctx context.Context, id string) (*notifier.Topic, error) {
	var t notifier.Topic
	err := s.db.QueryRowContext(ctx,
		`SELECT id, handbook_id, title, author_id FROM topics WHERE id = ?`, id).
		Scan(&t.ID, &t.HandbookID, &t.Title, &t.AuthorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("topic %s: %w", id, notifier.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query topic: %w", err)
	}
	return &t, nil
}

// Post loads one forum post by id.
func (s *Store) Post(ctx context.Context, id string) (*notifier.Post, error) {
	var p notifier.Post
	err := s.db.QueryRowContext(ctx,
		`SELECT id, topic_id, author_id FROM posts WHERE id = ?`, id).
		Scan(&p.ID, &p.TopicID, &p.AuthorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", id, notifier.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query post: %w", err)
	}
	return &p, nil
}

// TopicParticipants returns the distinct author ids of all posts in a topic.
func (s *Store) TopicParticipants(ctx context.Context, topicID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT author_id FROM posts WHERE topic_id = ?`, topicID)
	if err != nil {
		return nil, fmt.Errorf("query topic participants: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var authors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		authors = append(authors, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return authors, nil
}

// Members returns every member of a handbook with their stored
// notification preferences joined in. Members without a resolvable email
// are included; the email field is simply empty.
func (s *Store) Members(ctx context.Context, handbookID string) ([]*notifier.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, m.name, COALESCE(m.email, ''),
		       p.user_id IS NOT NULL,
		       p.email_new_topics, p.app_new_topics,
		       p.email_new_replies, p.app_new_replies,
		       p.email_mentions, p.app_mentions
		FROM members m
		LEFT JOIN preferences p ON p.user_id = m.user_id
		WHERE m.handbook_id = ?`, handbookID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var members []*notifier.Member
	for rows.Next() {
		var m notifier.Member
		var hasPrefs bool
		var emailTopics, appTopics, emailReplies, appReplies, emailMentions, appMentions sql.NullBool
		if err := rows.Scan(&m.UserID, &m.Name, &m.Email, &hasPrefs,
			&emailTopics, &appTopics, &emailReplies, &appReplies,
			&emailMentions, &appMentions); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if hasPrefs {
			m.Preferences = &notifier.Preferences{
				EmailNewTopics:  nullableBool(emailTopics),
				AppNewTopics:    nullableBool(appTopics),
				EmailNewReplies: nullableBool(emailReplies),
				AppNewReplies:   nullableBool(appReplies),
				EmailMentions:   nullableBool(emailMentions),
				AppMentions:     nullableBool(appMentions),
			}
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// InsertNotification writes one in-app notification record. The insert is
// a no-op when a record for the same (recipient, event key) already
// exists, which makes redelivered events idempotent. Retried on transient
// database contention.
func (s *Store) InsertNotification(ctx context.Context, rec *notifier.Record, eventKey string) error {
	err := retry.Do(
		func() error {
			_, execErr := s.db.ExecContext(ctx, `
				INSERT INTO notifications (id, recipient_id, topic_id, post_id, notification_type, event_key, created_at)
				VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?)
				ON CONFLICT(recipient_id, event_key) DO NOTHING`,
				rec.ID, rec.RecipientID, rec.TopicID, rec.PostID, string(rec.Kind), eventKey,
				rec.CreatedAt.UTC().Format(time.RFC3339))
			return execErr
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying notification insert after error", "attempt", n, "recipient", rec.RecipientID, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// MarkEmailSent flags the in-app records of the given recipients as
// delivered by email. Only records matching the event's topic, type, and
// post are touched.
func (s *Store) MarkEmailSent(ctx context.Context, recipientIDs []string, event *notifier.Event) error {
	if len(recipientIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(recipientIDs))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
		UPDATE notifications
		SET email_sent = 1, email_sent_at = ?
		WHERE topic_id = ? AND notification_type = ?
		  AND (post_id = NULLIF(?, '') OR (post_id IS NULL AND ? = ''))
		  AND recipient_id IN (%s)`, placeholders)

	args := make([]any, 0, len(recipientIDs)+5)
	args = append(args, time.Now().UTC().Format(time.RFC3339),
		event.TopicID, string(event.Kind), event.PostID, event.PostID)
	for _, id := range recipientIDs {
		args = append(args, id)
	}

	err := retry.Do(
		func() error {
			_, execErr := s.db.ExecContext(ctx, query, args...)
			return execErr
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying email-sent update after error", "attempt", n, "recipients", len(recipientIDs), "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	return nil
}

// NotificationsFor lists a member's notifications, newest first.
func (s *Store) NotificationsFor(ctx context.Context, userID string) ([]*notifier.Record, error) {
	return s.queryRecords(ctx, `
		SELECT id, recipient_id, topic_id, COALESCE(post_id, ''), notification_type,
		       is_read, email_sent, email_sent_at, created_at
		FROM notifications WHERE recipient_id = ?
		ORDER BY created_at DESC`, userID)
}

// UnreadFor lists a member's unread notifications, newest first.
func (s *Store) UnreadFor(ctx context.Context, userID string) ([]*notifier.Record, error) {
	return s.queryRecords(ctx, `
		SELECT id, recipient_id, topic_id, COALESCE(post_id, ''), notification_type,
		       is_read, email_sent, email_sent_at, created_at
		FROM notifications WHERE recipient_id = ? AND is_read = 0
		ORDER BY created_at DESC`, userID)
}

// Notification loads one notification record by id.
func (s *Store) Notification(ctx context.Context, id string) (*notifier.Record, error) {
	recs, err := s.queryRecords(ctx, `
		SELECT id, recipient_id, topic_id, COALESCE(post_id, ''), notification_type,
		       is_read, email_sent, email_sent_at, created_at
		FROM notifications WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("notification %s: %w", id, notifier.ErrNotFound)
	}
	return recs[0], nil
}

// MarkRead flags one notification as read.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead flags all of a member's notifications as read.
func (s *Store) MarkAllRead(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE recipient_id = ?`, userID); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

// PreferencesFor loads a member's stored preferences. Returns a nil set
// (not an error) when the member never saved any, matching the
// default-enabled semantics.
func (s *Store) PreferencesFor(ctx context.Context, userID string) (*notifier.Preferences, error) {
	var emailTopics, appTopics, emailReplies, appReplies, emailMentions, appMentions sql.NullBool
	err := s.db.QueryRowContext(ctx, `
		SELECT email_new_topics, app_new_topics, email_new_replies,
		       app_new_replies, email_mentions, app_mentions
		FROM preferences WHERE user_id = ?`, userID).
		Scan(&emailTopics, &appTopics, &emailReplies, &appReplies, &emailMentions, &appMentions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return &notifier.Preferences{
		EmailNewTopics:  nullableBool(emailTopics),
		AppNewTopics:    nullableBool(appTopics),
		EmailNewReplies: nullableBool(emailReplies),
		AppNewReplies:   nullableBool(appReplies),
		EmailMentions:   nullableBool(emailMentions),
		AppMentions:     nullableBool(appMentions),
	}, nil
}

// SavePreferences upserts a member's preference switches.
func (s *Store) SavePreferences(ctx context.Context, userID string, p *notifier.Preferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, email_new_topics, app_new_topics,
		    email_new_replies, app_new_replies, email_mentions, app_mentions)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		    email_new_topics = excluded.email_new_topics,
		    app_new_topics = excluded.app_new_topics,
		    email_new_replies = excluded.email_new_replies,
		    app_new_replies = excluded.app_new_replies,
		    email_mentions = excluded.email_mentions,
		    app_mentions = excluded.app_mentions`,
		userID, boolArg(p.EmailNewTopics), boolArg(p.AppNewTopics),
		boolArg(p.EmailNewReplies), boolArg(p.AppNewReplies),
		boolArg(p.EmailMentions), boolArg(p.AppMentions))
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// SaveHandbook upserts one handbook.
func (s *Store) SaveHandbook(ctx context.Context, hb *notifier.Handbook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handbooks (id, name, slug) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, slug = excluded.slug`,
		hb.ID, hb.Name, hb.Slug)
	if err != nil {
		return fmt.Errorf("save handbook: %w", err)
	}
	return nil
}

// SaveMember upserts one member of a handbook.
func (s *Store) SaveMember(ctx context.Context, handbookID string, m *notifier.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (handbook_id, user_id, name, email)
		VALUES (?, ?, ?, NULLIF(?, ''))
		ON CONFLICT(handbook_id, user_id) DO UPDATE SET
		    name = excluded.name, email = excluded.email`,
		handbookID, m.UserID, m.Name, m.Email)
	if err != nil {
		return fmt.Errorf("save member: %w", err)
	}
	if m.Preferences != nil {
		return s.SavePreferences(ctx, m.UserID, m.Preferences)
	}
	return nil
}

// SaveTopic upserts one forum topic.
func (s *Store) SaveTopic(ctx context.Context, t *notifier.Topic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (id, handbook_id, title, author_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title`,
		t.ID, t.HandbookID, t.Title, t.AuthorID)
	if err != nil {
		return fmt.Errorf("save topic: %w", err)
	}
	return nil
}

// SavePost upserts one forum post.
func (s *Store) SavePost(ctx context.Context, p *notifier.Post) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, topic_id, author_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		p.ID, p.TopicID, p.AuthorID)
	if err != nil {
		return fmt.Errorf("save post: %w", err)
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*notifier.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var recs []*notifier.Record
	for rows.Next() {
		var rec notifier.Record
		var kind string
		var sentAt sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.RecipientID, &rec.TopicID, &rec.PostID,
			&kind, &rec.IsRead, &rec.EmailSent, &sentAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.Kind = notifier.EventKind(kind)
		if sentAt.Valid {
			if t, parseErr := parseTime(sentAt.String); parseErr == nil {
				rec.EmailSentAt = &t
			}
		}
		if t, parseErr := parseTime(createdAt); parseErr == nil {
			rec.CreatedAt = t
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return recs, nil
}

// parseTime accepts both the RFC3339 timestamps we write and SQLite's
// default datetime('now') format.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func nullableBool(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}

func boolArg(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// IsNotFound reports whether an error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, notifier.ErrNotFound)
}
