package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres is the lib/pq-backed Store implementation.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres: database_url is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing database handle. Used by tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sent_messages (
			tracking_id      TEXT PRIMARY KEY,
			message_id       TEXT NOT NULL,
			thread_id        TEXT NOT NULL,
			from_email       TEXT NOT NULL,
			to_email         TEXT NOT NULL,
			subject          TEXT NOT NULL DEFAULT '',
			sent_at          TIMESTAMPTZ NOT NULL,
			opened           BOOLEAN NOT NULL DEFAULT FALSE,
			opened_at        TIMESTAMPTZ,
			replied          BOOLEAN NOT NULL DEFAULT FALSE,
			replied_at       TIMESTAMPTZ,
			reply_message_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sent_messages_sender
			ON sent_messages (from_email, sent_at DESC)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			email      TEXT PRIMARY KEY,
			subscribed BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			email          TEXT PRIMARY KEY,
			google_id      TEXT NOT NULL DEFAULT '',
			name           TEXT NOT NULL DEFAULT '',
			given_name     TEXT NOT NULL DEFAULT '',
			family_name    TEXT NOT NULL DEFAULT '',
			picture        TEXT NOT NULL DEFAULT '',
			email_verified BOOLEAN NOT NULL DEFAULT FALSE,
			access_token   TEXT NOT NULL DEFAULT '',
			refresh_token  TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

const messageColumns = `tracking_id, message_id, thread_id, from_email, to_email, subject,
	sent_at, opened, opened_at, replied, replied_at, reply_message_id`

// CreateMessage inserts a new tracked message record.
func (p *Postgres) CreateMessage(ctx context.Context, msg *TrackedMessage) error {
	query := `INSERT INTO sent_messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := p.db.ExecContext(ctx, query,
		msg.TrackingID, msg.MessageID, msg.ThreadID, msg.From, msg.To, msg.Subject,
		msg.SentAt, msg.Opened, msg.OpenedAt, msg.Replied, msg.RepliedAt,
		nullString(msg.ReplyMessageID))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateTracking
		}
		return fmt.Errorf("postgres: create message: %w", err)
	}
	return nil
}

// FindByTrackingID returns the record for a tracking token.
func (p *Postgres) FindByTrackingID(ctx context.Context, trackingID string) (*TrackedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM sent_messages WHERE tracking_id = $1`
	return p.scanMessage(p.db.QueryRowContext(ctx, query, trackingID))
}

// FindOpenTrackedForSender returns every un-replied record for a sender.
func (p *Postgres) FindOpenTrackedForSender(ctx context.Context, sender string) ([]*TrackedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM sent_messages
		WHERE from_email = $1 AND replied = FALSE`

	rows, err := p.db.QueryContext(ctx, query, sender)
	if err != nil {
		return nil, fmt.Errorf("postgres: find open tracked: %w", err)
	}
	defer rows.Close()
	return p.collectMessages(rows)
}

// ListBySender returns up to limit records for a sender, most recent first.
func (p *Postgres) ListBySender(ctx context.Context, sender string, limit int) ([]*TrackedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM sent_messages
		WHERE from_email = $1 ORDER BY sent_at DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, sender, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list by sender: %w", err)
	}
	defer rows.Close()
	return p.collectMessages(rows)
}

// MarkOpened performs the unseen→opened transition as a single conditional
// update. Racing callers get rowsAffected == 0 and the first write wins.
func (p *Postgres) MarkOpened(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sent_messages SET opened = TRUE, opened_at = $2
			WHERE tracking_id = $1 AND opened = FALSE`,
		trackingID, at)
	if err != nil {
		return false, fmt.Errorf("postgres: mark opened: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: mark opened rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// No transition: distinguish already-opened from unknown token.
	if _, err := p.FindByTrackingID(ctx, trackingID); err != nil {
		return false, err
	}
	return false, nil
}

// MarkReplied performs the not-replied→replied transition, same conditional
// discipline as MarkOpened.
func (p *Postgres) MarkReplied(ctx context.Context, trackingID string, at time.Time, replyMessageID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sent_messages SET replied = TRUE, replied_at = $2, reply_message_id = $3
			WHERE tracking_id = $1 AND replied = FALSE`,
		trackingID, at, replyMessageID)
	if err != nil {
		return false, fmt.Errorf("postgres: mark replied: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: mark replied rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	if _, err := p.FindByTrackingID(ctx, trackingID); err != nil {
		return false, err
	}
	return false, nil
}

// GetSubscriber returns the subscription record for an email.
func (p *Postgres) GetSubscriber(ctx context.Context, email string) (*Subscriber, error) {
	sub := &Subscriber{}
	err := p.db.QueryRowContext(ctx,
		`SELECT email, subscribed, created_at, updated_at FROM subscribers WHERE email = $1`,
		email).Scan(&sub.Email, &sub.Subscribed, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get subscriber: %w", err)
	}
	return sub, nil
}

// CreateSubscriber creates a subscription record with subscribed == true.
func (p *Postgres) CreateSubscriber(ctx context.Context, email string) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO subscribers (email, subscribed, created_at, updated_at)
			VALUES ($1, TRUE, $2, $2)`,
		email, now)
	if err != nil {
		return fmt.Errorf("postgres: create subscriber: %w", err)
	}
	return nil
}

// SetSubscribed flips the subscription flag on an existing record.
func (p *Postgres) SetSubscribed(ctx context.Context, email string, subscribed bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE subscribers SET subscribed = $2, updated_at = $3 WHERE email = $1`,
		email, subscribed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: set subscribed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubscribed returns every opted-in subscriber.
func (p *Postgres) ListSubscribed(ctx context.Context) ([]*Subscriber, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT email, subscribed, created_at, updated_at FROM subscribers WHERE subscribed = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list subscribed: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub := &Subscriber{}
		if err := rows.Scan(&sub.Email, &sub.Subscribed, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetUser returns the linked account for an email.
func (p *Postgres) GetUser(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx,
		`SELECT email, google_id, name, given_name, family_name, picture,
			email_verified, access_token, refresh_token, created_at, updated_at
			FROM users WHERE email = $1`,
		email).Scan(&u.Email, &u.GoogleID, &u.Name, &u.GivenName, &u.FamilyName,
		&u.Picture, &u.EmailVerified, &u.AccessToken, &u.RefreshToken,
		&u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}
	return u, nil
}

// UpsertUser creates or updates a linked account. An empty refresh token
// keeps the previously stored one (Google only returns it on first consent).
func (p *Postgres) UpsertUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (email, google_id, name, given_name, family_name, picture,
			email_verified, access_token, refresh_token, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			ON CONFLICT (email) DO UPDATE SET
				google_id = EXCLUDED.google_id,
				name = EXCLUDED.name,
				given_name = EXCLUDED.given_name,
				family_name = EXCLUDED.family_name,
				picture = EXCLUDED.picture,
				email_verified = EXCLUDED.email_verified,
				access_token = EXCLUDED.access_token,
				refresh_token = CASE WHEN EXCLUDED.refresh_token = ''
					THEN users.refresh_token ELSE EXCLUDED.refresh_token END,
				updated_at = EXCLUDED.updated_at`,
		u.Email, u.GoogleID, u.Name, u.GivenName, u.FamilyName, u.Picture,
		u.EmailVerified, u.AccessToken, u.RefreshToken, now)
	if err != nil {
		return fmt.Errorf("postgres: upsert user: %w", err)
	}
	return nil
}

func (p *Postgres) scanMessage(row *sql.Row) (*TrackedMessage, error) {
	msg := &TrackedMessage{}
	var replyID sql.NullString
	err := row.Scan(&msg.TrackingID, &msg.MessageID, &msg.ThreadID, &msg.From,
		&msg.To, &msg.Subject, &msg.SentAt, &msg.Opened, &msg.OpenedAt,
		&msg.Replied, &msg.RepliedAt, &replyID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan message: %w", err)
	}
	msg.ReplyMessageID = replyID.String
	return msg, nil
}

func (p *Postgres) collectMessages(rows *sql.Rows) ([]*TrackedMessage, error) {
	var msgs []*TrackedMessage
	for rows.Next() {
		msg := &TrackedMessage{}
		var replyID sql.NullString
		err := rows.Scan(&msg.TrackingID, &msg.MessageID, &msg.ThreadID, &msg.From,
			&msg.To, &msg.Subject, &msg.SentAt, &msg.Opened, &msg.OpenedAt,
			&msg.Replied, &msg.RepliedAt, &replyID)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msg.ReplyMessageID = replyID.String
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
