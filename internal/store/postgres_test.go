package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*Postgres, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewPostgresFromDB(db), mock, func() { db.Close() }
}

func messageRows(msg *TrackedMessage) *sqlmock.Rows {
	var replyID interface{}
	if msg.ReplyMessageID != "" {
		replyID = msg.ReplyMessageID
	}
	return sqlmock.NewRows([]string{
		"tracking_id", "message_id", "thread_id", "from_email", "to_email",
		"subject", "sent_at", "opened", "opened_at", "replied", "replied_at",
		"reply_message_id",
	}).AddRow(msg.TrackingID, msg.MessageID, msg.ThreadID, msg.From, msg.To,
		msg.Subject, msg.SentAt, msg.Opened, msg.OpenedAt, msg.Replied,
		msg.RepliedAt, replyID)
}

func TestMarkOpenedFirstTransition(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE sent_messages SET opened").
		WithArgs("tok-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := p.MarkOpened(context.Background(), "tok-1", time.Now())
	if err != nil {
		t.Fatalf("MarkOpened() error: %v", err)
	}
	if !updated {
		t.Error("MarkOpened() = false, want true for first transition")
	}
}

func TestMarkOpenedAlreadyOpened(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	openedAt := time.Now().Add(-time.Hour)
	msg := &TrackedMessage{
		TrackingID: "tok-1", MessageID: "m1", ThreadID: "t1",
		From: "a@example.com", To: "b@example.com", Subject: "hi",
		SentAt: time.Now().Add(-2 * time.Hour), Opened: true, OpenedAt: &openedAt,
	}

	mock.ExpectExec("UPDATE sent_messages SET opened").
		WithArgs("tok-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM sent_messages WHERE tracking_id").
		WithArgs("tok-1").
		WillReturnRows(messageRows(msg))

	updated, err := p.MarkOpened(context.Background(), "tok-1", time.Now())
	if err != nil {
		t.Fatalf("MarkOpened() error: %v", err)
	}
	if updated {
		t.Error("MarkOpened() = true, want false when already opened")
	}
}

func TestMarkOpenedUnknownToken(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE sent_messages SET opened").
		WithArgs("unknown", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM sent_messages WHERE tracking_id").
		WithArgs("unknown").
		WillReturnError(sql.ErrNoRows)

	_, err := p.MarkOpened(context.Background(), "unknown", time.Now())
	if err != ErrNotFound {
		t.Errorf("MarkOpened() error = %v, want ErrNotFound", err)
	}
}

func TestMarkRepliedFirstTransition(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repliedAt := time.Now().Add(-10 * time.Minute)
	mock.ExpectExec("UPDATE sent_messages SET replied").
		WithArgs("tok-1", repliedAt, "reply-msg-9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := p.MarkReplied(context.Background(), "tok-1", repliedAt, "reply-msg-9")
	if err != nil {
		t.Fatalf("MarkReplied() error: %v", err)
	}
	if !updated {
		t.Error("MarkReplied() = false, want true for first transition")
	}
}

func TestMarkRepliedAlreadyReplied(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repliedAt := time.Now().Add(-time.Hour)
	msg := &TrackedMessage{
		TrackingID: "tok-1", MessageID: "m1", ThreadID: "t1",
		From: "a@example.com", To: "b@example.com",
		SentAt: time.Now().Add(-2 * time.Hour),
		Replied: true, RepliedAt: &repliedAt, ReplyMessageID: "first-reply",
	}

	mock.ExpectExec("UPDATE sent_messages SET replied").
		WithArgs("tok-1", sqlmock.AnyArg(), "second-reply").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM sent_messages WHERE tracking_id").
		WithArgs("tok-1").
		WillReturnRows(messageRows(msg))

	updated, err := p.MarkReplied(context.Background(), "tok-1", time.Now(), "second-reply")
	if err != nil {
		t.Fatalf("MarkReplied() error: %v", err)
	}
	if updated {
		t.Error("MarkReplied() = true, want false when already replied")
	}
}

func TestCreateMessageDuplicateTracking(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO sent_messages").
		WillReturnError(&pq.Error{Code: "23505"})

	err := p.CreateMessage(context.Background(), &TrackedMessage{
		TrackingID: "dup", MessageID: "m", ThreadID: "t",
		From: "a@example.com", To: "b@example.com", SentAt: time.Now(),
	})
	if err != ErrDuplicateTracking {
		t.Errorf("CreateMessage() error = %v, want ErrDuplicateTracking", err)
	}
}

func TestFindOpenTrackedForSender(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	m1 := &TrackedMessage{
		TrackingID: "tok-1", MessageID: "m1", ThreadID: "t1",
		From: "a@example.com", To: "b@example.com", SentAt: time.Now(),
	}
	m2 := &TrackedMessage{
		TrackingID: "tok-2", MessageID: "m2", ThreadID: "t2",
		From: "a@example.com", To: "c@example.com", SentAt: time.Now(),
	}
	rows := messageRows(m1)
	rows.AddRow(m2.TrackingID, m2.MessageID, m2.ThreadID, m2.From, m2.To,
		m2.Subject, m2.SentAt, m2.Opened, m2.OpenedAt, m2.Replied, m2.RepliedAt, nil)

	mock.ExpectQuery("SELECT (.+) FROM sent_messages").
		WithArgs("a@example.com").
		WillReturnRows(rows)

	msgs, err := p.FindOpenTrackedForSender(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("FindOpenTrackedForSender() error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].TrackingID != "tok-1" || msgs[1].TrackingID != "tok-2" {
		t.Errorf("unexpected tracking ids: %s, %s", msgs[0].TrackingID, msgs[1].TrackingID)
	}
}

func TestListBySenderPassesLimit(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM sent_messages").
		WithArgs("a@example.com", 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"tracking_id", "message_id", "thread_id", "from_email", "to_email",
			"subject", "sent_at", "opened", "opened_at", "replied", "replied_at",
			"reply_message_id",
		}))

	msgs, err := p.ListBySender(context.Background(), "a@example.com", 50)
	if err != nil {
		t.Fatalf("ListBySender() error: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}

func TestGetSubscriberNotFound(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM subscribers").
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetSubscriber(context.Background(), "nobody@example.com")
	if err != ErrNotFound {
		t.Errorf("GetSubscriber() error = %v, want ErrNotFound", err)
	}
}

func TestSetSubscribedUnknownEmail(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE subscribers SET subscribed").
		WithArgs("nobody@example.com", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.SetSubscribed(context.Background(), "nobody@example.com", false)
	if err != ErrNotFound {
		t.Errorf("SetSubscribed() error = %v, want ErrNotFound", err)
	}
}

func TestUpsertUser(t *testing.T) {
	p, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.UpsertUser(context.Background(), &User{
		Email:       "a@example.com",
		GoogleID:    "g-123",
		Name:        "A User",
		AccessToken: "tok",
	})
	if err != nil {
		t.Fatalf("UpsertUser() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
