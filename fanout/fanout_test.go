package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"handbook-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory Store for workflow tests.
type fakeStore struct {
	mu           sync.Mutex
	handbooks    map[string]*notifier.Handbook
	topics       map[string]*notifier.Topic
	posts        map[string]*notifier.Post
	participants map[string][]string
	members      map[string][]*notifier.Member
	membersErr   error
	insertErrFor map[string]error

	inserted   []*notifier.Record
	insertKeys []string
	marked     [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		handbooks:    map[string]*notifier.Handbook{},
		topics:       map[string]*notifier.Topic{},
		posts:        map[string]*notifier.Post{},
		participants: map[string][]string{},
		members:      map[string][]*notifier.Member{},
		insertErrFor: map[string]error{},
	}
}

func (f *fakeStore) Handbook(_ context.Context, id string) (*notifier.Handbook, error) {
	if hb, ok := f.handbooks[id]; ok {
		return hb, nil
	}
	return nil, notifier.ErrNotFound
}

func (f *fakeStore) Topic(_ context.Context, id string) (*notifier.Topic, error) {
	if t, ok := f.topics[id]; ok {
		return t, nil
	}
	return nil, notifier.ErrNotFound
}

func (f *fakeStore) Post(_ context.Context, id string) (*notifier.Post, error) {
	if p, ok := f.posts[id]; ok {
		return p, nil
	}
	return nil, notifier.ErrNotFound
}

func (f *fakeStore) TopicParticipants(_ context.Context, topicID string) ([]string, error) {
	return f.participants[topicID], nil
}

func (f *fakeStore) Members(_ context.Context, handbookID string) ([]*notifier.Member, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return f.members[handbookID], nil
}

func (f *fakeStore) InsertNotification(_ context.Context, rec *notifier.Record, eventKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.insertErrFor[rec.RecipientID]; ok {
		return err
	}
	f.inserted = append(f.inserted, rec)
	f.insertKeys = append(f.insertKeys, eventKey)
	return nil
}

func (f *fakeStore) MarkEmailSent(_ context.Context, recipientIDs []string, _ *notifier.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, recipientIDs)
	return nil
}

func (f *fakeStore) insertedRecipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.inserted))
	for _, rec := range f.inserted {
		ids = append(ids, rec.RecipientID)
	}
	sort.Strings(ids)
	return ids
}

// fakeEmailer records the decisions it was handed and reports every
// email-eligible recipient as accepted unless failFor says otherwise.
type fakeEmailer struct {
	decisions []notifier.Decision
	failFor   map[string]bool
}

func (f *fakeEmailer) Dispatch(_ context.Context, decisions []notifier.Decision, _ *notifier.Event, _ *notifier.Handbook, _ string) *notifier.DispatchResult {
	f.decisions = decisions
	result := &notifier.DispatchResult{}
	for _, d := range decisions {
		if !d.SendEmail || d.Email == "" {
			continue
		}
		if f.failFor[d.UserID] {
			result.Failed++
			continue
		}
		result.Sent++
		result.Delivered = append(result.Delivered, d.UserID)
	}
	return result
}

// fakeSink collects archived failures.
type fakeSink struct {
	mu       sync.Mutex
	failures []*notifier.Failure
}

func (f *fakeSink) Archive(_ context.Context, failure *notifier.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure)
}

func member(id, email string, prefs *notifier.Preferences) *notifier.Member {
	return &notifier.Member{UserID: id, Name: "Member " + id, Email: email, Preferences: prefs}
}

func seedTopicEvent(store *fakeStore) *notifier.Event {
	store.handbooks["hb1"] = &notifier.Handbook{ID: "hb1", Name: "Brf Eken", Slug: "brf-eken"}
	store.topics["t1"] = &notifier.Topic{ID: "t1", HandbookID: "hb1", Title: "Stämman", AuthorID: "author"}
	return &notifier.Event{
		Kind:       notifier.KindNewTopic,
		HandbookID: "hb1",
		TopicID:    "t1",
		ActorName:  "Anna",
	}
}

func TestRunNewTopicExcludesAuthor(t *testing.T) {
	store := newFakeStore()
	event := seedTopicEvent(store)
	store.members["hb1"] = []*notifier.Member{
		member("author", "author@example.se", nil),
		member("u1", "u1@example.se", nil),
		member("u2", "u2@example.se", nil),
	}

	emailer := &fakeEmailer{}
	svc := New(store, emailer, &fakeSink{}, testLogger())

	result, err := svc.Run(context.Background(), event)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Total != 2 {
		t.Errorf("Total = %d, want 2 (author excluded)", result.Total)
	}
	for _, d := range emailer.decisions {
		if d.UserID == "author" {
			t.Error("topic author reached the dispatcher")
		}
	}
	got := store.insertedRecipients()
	want := []string{"u1", "u2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("inserted recipients = %v, want %v", got, want)
	}
}

func TestRunNewReplyRecipients(t *testing.T) {
	store := newFakeStore()
	store.handbooks["hb1"] = &notifier.Handbook{ID: "hb1", Name: "Brf Eken", Slug: "brf-eken"}
	store.topics["t1"] = &notifier.Topic{ID: "t1", HandbookID: "hb1", Title: "Tvättstugan", AuthorID: "author"}
	store.posts["p9"] = &notifier.Post{ID: "p9", TopicID: "t1", AuthorID: "replier"}
	store.participants["t1"] = []string{"author", "replier", "earlier"}
	store.members["hb1"] = []*notifier.Member{
		member("author", "author@example.se", nil),
		member("replier", "replier@example.se", nil),
		member("earlier", "earlier@example.se", nil),
		member("bystander", "bystander@example.se", nil),
	}

	emailer := &fakeEmailer{}
	svc := New(store, emailer, &fakeSink{}, testLogger())

	event := &notifier.Event{
		Kind:       notifier.KindNewReply,
		HandbookID: "hb1",
		TopicID:    "t1",
		PostID:     "p9",
	}
	result, err := svc.Run(context.Background(), event)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Topic author and earlier participant; never the replier or a
	// member who has not posted in the topic.
	if result.Total != 2 {
		t.Errorf("Total = %d, want 2", result.Total)
	}
	got := store.insertedRecipients()
	want := []string{"author", "earlier"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("inserted recipients = %v, want %v", got, want)
	}
}

func TestRunResolutionErrors(t *testing.T) {
	tests := []struct {
		name    string
		seed    func(store *fakeStore)
		event   *notifier.Event
		wantErr error
	}{
		{
			name: "unknown handbook",
			seed: func(_ *fakeStore) {},
			event: &notifier.Event{
				Kind: notifier.KindNewTopic, HandbookID: "nope", TopicID: "t1",
			},
			wantErr: ErrHandbookNotFound,
		},
		{
			name: "unknown topic",
			seed: func(store *fakeStore) {
				store.handbooks["hb1"] = &notifier.Handbook{ID: "hb1"}
			},
			event: &notifier.Event{
				Kind: notifier.KindNewTopic, HandbookID: "hb1", TopicID: "nope",
			},
			wantErr: ErrTopicNotFound,
		},
		{
			name: "topic from another handbook",
			seed: func(store *fakeStore) {
				store.handbooks["hb1"] = &notifier.Handbook{ID: "hb1"}
				store.topics["t1"] = &notifier.Topic{ID: "t1", HandbookID: "other"}
			},
			event: &notifier.Event{
				Kind: notifier.KindNewTopic, HandbookID: "hb1", TopicID: "t1",
			},
			wantErr: ErrTopicNotFound,
		},
		{
			name: "unknown reply",
			seed: func(store *fakeStore) {
				store.handbooks["hb1"] = &notifier.Handbook{ID: "hb1"}
				store.topics["t1"] = &notifier.Topic{ID: "t1", HandbookID: "hb1"}
			},
			event: &notifier.Event{
				Kind: notifier.KindNewReply, HandbookID: "hb1", TopicID: "t1", PostID: "nope",
			},
			wantErr: ErrReplyNotFound,
		},
		{
			name: "reply from another topic",
			seed: func(store *fakeStore) {
				store.handbooks["hb1"] = &notifier.Handbook{ID: "hb1"}
				store.topics["t1"] = &notifier.Topic{ID: "t1", HandbookID: "hb1"}
				store.posts["p1"] = &notifier.Post{ID: "p1", TopicID: "other"}
			},
			event: &notifier.Event{
				Kind: notifier.KindNewReply, HandbookID: "hb1", TopicID: "t1", PostID: "p1",
			},
			wantErr: ErrReplyNotFound,
		},
		{
			name: "member directory unavailable",
			seed: func(store *fakeStore) {
				store.handbooks["hb1"] = &notifier.Handbook{ID: "hb1"}
				store.topics["t1"] = &notifier.Topic{ID: "t1", HandbookID: "hb1"}
				store.membersErr = errors.New("db gone")
			},
			event: &notifier.Event{
				Kind: notifier.KindNewTopic, HandbookID: "hb1", TopicID: "t1",
			},
			wantErr: ErrMemberDirectory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			tt.seed(store)
			svc := New(store, &fakeEmailer{}, &fakeSink{}, testLogger())

			_, err := svc.Run(context.Background(), tt.event)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if len(store.inserted) != 0 {
				t.Error("resolution failure still wrote notifications")
			}
		})
	}
}

func TestRunCountInvariant(t *testing.T) {
	store := newFakeStore()
	event := seedTopicEvent(store)
	optedOut := &notifier.Preferences{EmailNewTopics: boolPtr(false)}
	store.members["hb1"] = []*notifier.Member{
		member("author", "author@example.se", nil),
		member("u1", "u1@example.se", nil),
		member("u2", "u2@example.se", optedOut),
		member("u3", "", nil), // no resolvable address
		member("u4", "u4@example.se", nil),
	}

	emailer := &fakeEmailer{failFor: map[string]bool{"u4": true}}
	svc := New(store, emailer, &fakeSink{}, testLogger())

	result, err := svc.Run(context.Background(), event)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Total != 4 {
		t.Errorf("Total = %d, want 4", result.Total)
	}
	if result.Sent != 1 {
		t.Errorf("Sent = %d, want 1", result.Sent)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}
	// Opted-out plus address-less members land in skipped.
	if result.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", result.Skipped)
	}
	if result.Total != result.Sent+result.Failed+result.Skipped {
		t.Errorf("count invariant broken: %+v", result)
	}
}

func TestRunNoEmailMemberStillGetsAppRecord(t *testing.T) {
	store := newFakeStore()
	event := seedTopicEvent(store)
	store.members["hb1"] = []*notifier.Member{
		member("u1", "", nil),
	}

	svc := New(store, &fakeEmailer{}, &fakeSink{}, testLogger())
	result, err := svc.Run(context.Background(), event)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Total != 1 || result.Skipped != 1 || result.Sent != 0 {
		t.Errorf("result = %+v, want total 1 skipped 1", result)
	}
	if got := store.insertedRecipients(); len(got) != 1 || got[0] != "u1" {
		t.Errorf("inserted recipients = %v, want [u1]", got)
	}
}

func TestRunWriteFailureIsIsolated(t *testing.T) {
	store := newFakeStore()
	event := seedTopicEvent(store)
	store.members["hb1"] = []*notifier.Member{
		member("u1", "u1@example.se", nil),
		member("u2", "u2@example.se", nil),
	}
	store.insertErrFor["u1"] = errors.New("disk full")

	sink := &fakeSink{}
	svc := New(store, &fakeEmailer{}, sink, testLogger())

	result, err := svc.Run(context.Background(), event)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Sent != 2 {
		t.Errorf("Sent = %d, want 2 (write failure must not block email)", result.Sent)
	}
	if got := store.insertedRecipients(); len(got) != 1 || got[0] != "u2" {
		t.Errorf("inserted recipients = %v, want [u2]", got)
	}
	if len(sink.failures) != 1 || sink.failures[0].Stage != "app_write" {
		t.Errorf("sink failures = %+v, want one app_write entry", sink.failures)
	}
	if sink.failures[0].RecipientID != "u1" {
		t.Errorf("archived recipient = %q, want u1", sink.failures[0].RecipientID)
	}
}

func TestRunReconcilesOnlyDeliveredRecipients(t *testing.T) {
	store := newFakeStore()
	event := seedTopicEvent(store)
	store.members["hb1"] = []*notifier.Member{
		member("u1", "u1@example.se", nil),
		member("u2", "u2@example.se", nil),
		member("u3", "u3@example.se", nil),
	}

	emailer := &fakeEmailer{failFor: map[string]bool{"u2": true}}
	svc := New(store, emailer, &fakeSink{}, testLogger())

	if _, err := svc.Run(context.Background(), event); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(store.marked) != 1 {
		t.Fatalf("MarkEmailSent calls = %d, want 1", len(store.marked))
	}
	got := append([]string(nil), store.marked[0]...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "u1" || got[1] != "u3" {
		t.Errorf("reconciled recipients = %v, want [u1 u3]", got)
	}
}

func TestRunNoDeliverySkipsReconciliation(t *testing.T) {
	store := newFakeStore()
	event := seedTopicEvent(store)
	store.members["hb1"] = []*notifier.Member{
		member("u1", "u1@example.se", &notifier.Preferences{EmailNewTopics: boolPtr(false)}),
	}

	svc := New(store, &fakeEmailer{}, &fakeSink{}, testLogger())
	if _, err := svc.Run(context.Background(), event); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(store.marked) != 0 {
		t.Errorf("MarkEmailSent calls = %d, want 0", len(store.marked))
	}
}
