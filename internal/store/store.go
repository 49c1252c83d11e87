// Package store persists tracked outbound messages, newsletter subscribers,
// and linked Google accounts. Two backends are supported: Postgres (default)
// and DynamoDB, selected by storage configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raybit/mailmate/internal/config"
)

var (
	// ErrNotFound is returned when no record matches the given key.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicateTracking is returned when a tracking id already exists.
	// The generation scheme should make this unreachable, but it is checked.
	ErrDuplicateTracking = errors.New("store: duplicate tracking id")
)

// TrackedMessage is the persistent record of one tracked outbound message.
//
// Open and reply state are monotonic: once Opened or Replied flips to true
// it never reverts, and the corresponding timestamp is written exactly once.
// All transitions go through conditional single-record updates so concurrent
// beacon fetches or reconciler runs cannot produce a lost update.
type TrackedMessage struct {
	TrackingID     string     `json:"trackingId" dynamodbav:"tracking_id"`
	MessageID      string     `json:"messageId" dynamodbav:"message_id"`
	ThreadID       string     `json:"threadId" dynamodbav:"thread_id"`
	From           string     `json:"from" dynamodbav:"from_email"`
	To             string     `json:"to" dynamodbav:"to_email"`
	Subject        string     `json:"subject" dynamodbav:"subject"`
	SentAt         time.Time  `json:"sentAt" dynamodbav:"sent_at"`
	Opened         bool       `json:"opened" dynamodbav:"opened"`
	OpenedAt       *time.Time `json:"openedAt,omitempty" dynamodbav:"opened_at,omitempty"`
	Replied        bool       `json:"replied" dynamodbav:"replied"`
	RepliedAt      *time.Time `json:"repliedAt,omitempty" dynamodbav:"replied_at,omitempty"`
	ReplyMessageID string     `json:"replyMessageId,omitempty" dynamodbav:"reply_message_id,omitempty"`
}

// Subscriber is a newsletter subscription record. Created on first
// subscribe, never deleted, only flipped between subscribed states.
type Subscriber struct {
	Email      string    `json:"email" dynamodbav:"email"`
	Subscribed bool      `json:"subscribed" dynamodbav:"subscribed"`
	CreatedAt  time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// User is a linked Google account with its OAuth tokens.
type User struct {
	Email         string    `json:"email" dynamodbav:"email"`
	GoogleID      string    `json:"googleId" dynamodbav:"google_id"`
	Name          string    `json:"name" dynamodbav:"name"`
	GivenName     string    `json:"givenName" dynamodbav:"given_name"`
	FamilyName    string    `json:"familyName" dynamodbav:"family_name"`
	Picture       string    `json:"picture" dynamodbav:"picture"`
	EmailVerified bool      `json:"emailVerified" dynamodbav:"email_verified"`
	AccessToken   string    `json:"-" dynamodbav:"access_token"`
	RefreshToken  string    `json:"-" dynamodbav:"refresh_token"`
	CreatedAt     time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// MessageStore provides operations on tracked message records.
type MessageStore interface {
	// CreateMessage persists a new tracked message. Returns
	// ErrDuplicateTracking if the tracking id already exists.
	CreateMessage(ctx context.Context, msg *TrackedMessage) error

	// FindByTrackingID returns the record for a tracking token, or ErrNotFound.
	FindByTrackingID(ctx context.Context, trackingID string) (*TrackedMessage, error)

	// FindOpenTrackedForSender returns all records for sender with
	// replied == false, in no particular order.
	FindOpenTrackedForSender(ctx context.Context, sender string) ([]*TrackedMessage, error)

	// ListBySender returns up to limit records for sender, most recent first.
	ListBySender(ctx context.Context, sender string, limit int) ([]*TrackedMessage, error)

	// MarkOpened transitions a record to opened if and only if it is not
	// already opened. Returns true when this call performed the transition,
	// false when the record was already opened, ErrNotFound when the
	// tracking id is unknown.
	MarkOpened(ctx context.Context, trackingID string, at time.Time) (bool, error)

	// MarkReplied transitions a record to replied, same contract as
	// MarkOpened. at is the replying message's own provider timestamp.
	MarkReplied(ctx context.Context, trackingID string, at time.Time, replyMessageID string) (bool, error)
}

// SubscriberStore provides operations on newsletter subscription records.
type SubscriberStore interface {
	// GetSubscriber returns the record for an email, or ErrNotFound.
	GetSubscriber(ctx context.Context, email string) (*Subscriber, error)

	// CreateSubscriber creates a new record with subscribed == true.
	CreateSubscriber(ctx context.Context, email string) error

	// SetSubscribed flips the subscription flag on an existing record.
	SetSubscribed(ctx context.Context, email string, subscribed bool) error

	// ListSubscribed returns every record with subscribed == true.
	ListSubscribed(ctx context.Context) ([]*Subscriber, error)
}

// UserStore provides operations on linked account records.
type UserStore interface {
	// GetUser returns the account for an email, or ErrNotFound.
	GetUser(ctx context.Context, email string) (*User, error)

	// UpsertUser creates or updates an account. A caller that received no
	// refresh token should leave RefreshToken empty; the stored value is
	// kept in that case.
	UpsertUser(ctx context.Context, u *User) error
}

// Store is the full persistence surface with an explicit lifecycle:
// opened once at startup, closed at shutdown.
type Store interface {
	MessageStore
	SubscriberStore
	UserStore
	Close() error
}

// New creates a Store for the configured backend.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "", "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	case "dynamodb":
		return NewDynamo(ctx, cfg.DynamoDBTable, cfg.AWSRegion, cfg.AWSProfile)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
