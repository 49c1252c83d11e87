package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raybit/mailmate/internal/gmail"
	"github.com/raybit/mailmate/internal/store"
	"github.com/raybit/mailmate/internal/tracking"
)

type fakeGmail struct {
	mu        sync.Mutex
	sentRaw   []string
	sendErr   error
	threads   map[string]*gmail.Thread
	threadErr map[string]error
}

func (f *fakeGmail) Send(_ context.Context, _ string, raw string) (*gmail.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentRaw = append(f.sentRaw, raw)
	return &gmail.SendResult{ID: "sent-1", ThreadID: "thread-1"}, nil
}

func (f *fakeGmail) GetThread(_ context.Context, _ string, threadID string) (*gmail.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.threadErr[threadID]; err != nil {
		return nil, err
	}
	thread, ok := f.threads[threadID]
	if !ok {
		return nil, errors.New("thread not found")
	}
	return thread, nil
}

type fakeMessageStore struct {
	mu        sync.Mutex
	messages  map[string]*store.TrackedMessage
	createErr error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[string]*store.TrackedMessage)}
}

func (f *fakeMessageStore) CreateMessage(_ context.Context, msg *store.TrackedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	copied := *msg
	f.messages[msg.TrackingID] = &copied
	return nil
}

func (f *fakeMessageStore) FindByTrackingID(_ context.Context, trackingID string) (*store.TrackedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[trackingID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

func (f *fakeMessageStore) FindOpenTrackedForSender(_ context.Context, sender string) ([]*store.TrackedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.TrackedMessage
	for _, msg := range f.messages {
		if msg.From == sender && !msg.Replied {
			copied := *msg
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) ListBySender(_ context.Context, sender string, limit int) ([]*store.TrackedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.TrackedMessage
	for _, msg := range f.messages {
		if msg.From == sender {
			copied := *msg
			out = append(out, &copied)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMessageStore) MarkOpened(_ context.Context, trackingID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[trackingID]
	if !ok {
		return false, store.ErrNotFound
	}
	if msg.Opened {
		return false, nil
	}
	msg.Opened = true
	msg.OpenedAt = &at
	return true, nil
}

func (f *fakeMessageStore) MarkReplied(_ context.Context, trackingID string, at time.Time, replyMessageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[trackingID]
	if !ok {
		return false, store.ErrNotFound
	}
	if msg.Replied {
		return false, nil
	}
	msg.Replied = true
	msg.RepliedAt = &at
	msg.ReplyMessageID = replyMessageID
	return true, nil
}

func decodeRaw(t *testing.T, raw string) string {
	t.Helper()
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode raw message: %v", err)
	}
	return string(decoded)
}

func TestComposerRejectsEmptyFields(t *testing.T) {
	c := NewComposer(&fakeGmail{}, newFakeMessageStore(), tracking.NewService(newFakeMessageStore()), "http://localhost:5000")

	cases := []struct {
		name, to, subject, body string
	}{
		{"missing to", "", "Hi", "Body"},
		{"missing subject", "rcpt@example.com", "", "Body"},
		{"missing body", "rcpt@example.com", "Hi", ""},
		{"whitespace body", "rcpt@example.com", "Hi", "   "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Send(context.Background(), "tok", "me@example.com", tc.to, tc.subject, tc.body, true)
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("err = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestComposerInjectsBeaconAndRecords(t *testing.T) {
	g := &fakeGmail{}
	st := newFakeMessageStore()
	c := NewComposer(g, st, tracking.NewService(st), "https://track.example.com/")

	result, err := c.Send(context.Background(), "tok", "me@example.com", "rcpt@example.com", "Hello", "line one\nline two", true)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if result.TrackingID == nil {
		t.Fatal("TrackingID is nil for a tracked send")
	}

	msg := decodeRaw(t, g.sentRaw[0])
	if !strings.Contains(msg, "To: rcpt@example.com\r\n") {
		t.Errorf("missing To header:\n%s", msg)
	}
	if !strings.Contains(msg, "Content-Type: text/html") {
		t.Errorf("missing Content-Type header:\n%s", msg)
	}
	if !strings.Contains(msg, "line one<br>line two") {
		t.Errorf("newlines not converted to <br>:\n%s", msg)
	}
	beacon := `<img src="https://track.example.com/api/track/` + *result.TrackingID + `"`
	if !strings.Contains(msg, beacon) {
		t.Errorf("beacon not injected, want %s in:\n%s", beacon, msg)
	}

	stored, err := st.FindByTrackingID(context.Background(), *result.TrackingID)
	if err != nil {
		t.Fatalf("tracked message not recorded: %v", err)
	}
	if stored.MessageID != "sent-1" || stored.ThreadID != "thread-1" {
		t.Errorf("stored ids = %s/%s, want sent-1/thread-1", stored.MessageID, stored.ThreadID)
	}
	if stored.Opened || stored.Replied {
		t.Errorf("new record should start unopened and unreplied: %+v", stored)
	}
}

func TestComposerUntrackedSendHasNoBeacon(t *testing.T) {
	g := &fakeGmail{}
	st := newFakeMessageStore()
	c := NewComposer(g, st, tracking.NewService(st), "http://localhost:5000")

	result, err := c.Send(context.Background(), "tok", "me@example.com", "rcpt@example.com", "Hello", "Body", false)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if result.TrackingID != nil {
		t.Errorf("TrackingID = %v, want nil", *result.TrackingID)
	}
	if msg := decodeRaw(t, g.sentRaw[0]); strings.Contains(msg, "/api/track/") {
		t.Errorf("beacon injected into untracked send:\n%s", msg)
	}
	if len(st.messages) != 0 {
		t.Errorf("untracked send was recorded: %v", st.messages)
	}
}

func TestComposerSwallowsBookkeepingFailure(t *testing.T) {
	g := &fakeGmail{}
	st := newFakeMessageStore()
	st.createErr = errors.New("db down")
	c := NewComposer(g, st, tracking.NewService(st), "http://localhost:5000")

	result, err := c.Send(context.Background(), "tok", "me@example.com", "rcpt@example.com", "Hello", "Body", true)
	if err != nil {
		t.Fatalf("Send() should succeed when only bookkeeping fails, got: %v", err)
	}
	if result.MessageID != "sent-1" {
		t.Errorf("MessageID = %s, want sent-1", result.MessageID)
	}
	if result.TrackingID != nil {
		t.Error("TrackingID should be nil when the record was not persisted")
	}
}

func TestComposerPropagatesSendFailure(t *testing.T) {
	g := &fakeGmail{sendErr: errors.New("upstream 500")}
	st := newFakeMessageStore()
	c := NewComposer(g, st, tracking.NewService(st), "http://localhost:5000")

	if _, err := c.Send(context.Background(), "tok", "me@example.com", "rcpt@example.com", "Hello", "Body", true); err == nil {
		t.Fatal("Send() should fail when Gmail rejects the message")
	}
	if len(st.messages) != 0 {
		t.Errorf("failed send must not be recorded: %v", st.messages)
	}
}

func threadWithFroms(id string, froms ...string) *gmail.Thread {
	thread := &gmail.Thread{ID: id}
	for i, from := range froms {
		thread.Messages = append(thread.Messages, &gmail.Message{
			ID:           id + "-m" + string(rune('1'+i)),
			ThreadID:     id,
			InternalDate: "1700000500000",
			Payload: &gmail.Part{
				Headers: []gmail.Header{{Name: "From", Value: from}},
			},
		})
	}
	return thread
}

func seedTracked(t *testing.T, st *fakeMessageStore, trackingID, threadID, from string) {
	t.Helper()
	err := st.CreateMessage(context.Background(), &store.TrackedMessage{
		TrackingID: trackingID,
		MessageID:  "m-" + trackingID,
		ThreadID:   threadID,
		From:       from,
		To:         "rcpt@example.com",
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed tracked message: %v", err)
	}
}

func TestReconcilerDetectsReply(t *testing.T) {
	st := newFakeMessageStore()
	seedTracked(t, st, "tok-1", "t1", "me@example.com")
	g := &fakeGmail{threads: map[string]*gmail.Thread{
		"t1": threadWithFroms("t1", "Me <me@example.com>", "Recipient <rcpt@example.com>"),
	}}

	replied, err := NewReconciler(g, st).Run(context.Background(), "tok", "me@example.com")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if replied != 1 {
		t.Fatalf("replied = %d, want 1", replied)
	}

	msg, _ := st.FindByTrackingID(context.Background(), "tok-1")
	if !msg.Replied || msg.RepliedAt == nil {
		t.Fatalf("record not marked replied: %+v", msg)
	}
	if msg.ReplyMessageID != "t1-m2" {
		t.Errorf("ReplyMessageID = %s, want t1-m2", msg.ReplyMessageID)
	}
	want := time.UnixMilli(1700000500000).UTC()
	if !msg.RepliedAt.Equal(want) {
		t.Errorf("RepliedAt = %v, want provider time %v", msg.RepliedAt, want)
	}
}

func TestReconcilerIgnoresOwnMessages(t *testing.T) {
	st := newFakeMessageStore()
	seedTracked(t, st, "tok-1", "t1", "me@example.com")
	g := &fakeGmail{threads: map[string]*gmail.Thread{
		"t1": threadWithFroms("t1", "Me <me@example.com>", "ME@EXAMPLE.COM"),
	}}

	replied, err := NewReconciler(g, st).Run(context.Background(), "tok", "me@example.com")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if replied != 0 {
		t.Errorf("replied = %d, want 0 (all thread messages are the sender's own)", replied)
	}
}

func TestReconcilerIsIdempotent(t *testing.T) {
	st := newFakeMessageStore()
	seedTracked(t, st, "tok-1", "t1", "me@example.com")
	g := &fakeGmail{threads: map[string]*gmail.Thread{
		"t1": threadWithFroms("t1", "me@example.com", "rcpt@example.com"),
	}}
	rec := NewReconciler(g, st)

	if _, err := rec.Run(context.Background(), "tok", "me@example.com"); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	msg, _ := st.FindByTrackingID(context.Background(), "tok-1")
	firstRepliedAt := *msg.RepliedAt

	// Replied records are excluded from the sweep, so a second run does no
	// fetches and changes nothing.
	replied, err := rec.Run(context.Background(), "tok", "me@example.com")
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if replied != 0 {
		t.Errorf("second run replied = %d, want 0", replied)
	}
	msg, _ = st.FindByTrackingID(context.Background(), "tok-1")
	if !msg.RepliedAt.Equal(firstRepliedAt) {
		t.Errorf("repliedAt moved on rerun: %v != %v", msg.RepliedAt, firstRepliedAt)
	}
}

func TestReconcilerContinuesPastFailures(t *testing.T) {
	st := newFakeMessageStore()
	seedTracked(t, st, "tok-bad", "t-bad", "me@example.com")
	seedTracked(t, st, "tok-good", "t-good", "me@example.com")
	g := &fakeGmail{
		threads: map[string]*gmail.Thread{
			"t-good": threadWithFroms("t-good", "me@example.com", "rcpt@example.com"),
		},
		threadErr: map[string]error{"t-bad": errors.New("rate limited")},
	}

	replied, err := NewReconciler(g, st).Run(context.Background(), "tok", "me@example.com")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if replied != 1 {
		t.Errorf("replied = %d, want 1 despite the failing thread", replied)
	}

	good, _ := st.FindByTrackingID(context.Background(), "tok-good")
	if !good.Replied {
		t.Error("healthy record was not reconciled")
	}
	bad, _ := st.FindByTrackingID(context.Background(), "tok-bad")
	if bad.Replied {
		t.Error("failing record must stay unreplied")
	}
}
