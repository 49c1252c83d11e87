// Package newsletter manages subscriptions and the scheduled daily digest
// send. Subscription records are a ledger: created once, never deleted, only
// flipped between subscribed states.
package newsletter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raybit/mailmate/internal/pkg/logger"
	"github.com/raybit/mailmate/internal/store"
)

var (
	// ErrAlreadySubscribed is returned when subscribing an email that is
	// already subscribed.
	ErrAlreadySubscribed = errors.New("newsletter: email already subscribed")

	// ErrNotSubscribed is returned when unsubscribing an email that is not
	// currently subscribed, whether unknown or previously unsubscribed.
	ErrNotSubscribed = errors.New("newsletter: email not subscribed")

	// ErrInvalidEmail is returned for a syntactically unusable address.
	ErrInvalidEmail = errors.New("newsletter: invalid email address")
)

// Ledger applies subscribe/unsubscribe transitions to the subscriber store.
type Ledger struct {
	subs store.SubscriberStore
}

func NewLedger(subs store.SubscriberStore) *Ledger {
	return &Ledger{subs: subs}
}

// normalizeEmail lowercases and trims an address. Matching is exact after
// normalization; no plus-alias folding.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 || !strings.Contains(email[at+1:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Subscribe adds an email to the ledger, or re-activates a previously
// unsubscribed one. Subscribing an already-subscribed email is a conflict.
func (l *Ledger) Subscribe(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	sub, err := l.subs.GetSubscriber(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := l.subs.CreateSubscriber(ctx, email); err != nil {
			return fmt.Errorf("creating subscriber: %w", err)
		}
		logger.Info("newsletter: new subscriber", "email", email)
		return nil
	case err != nil:
		return fmt.Errorf("looking up subscriber: %w", err)
	case sub.Subscribed:
		return ErrAlreadySubscribed
	default:
		if err := l.subs.SetSubscribed(ctx, email, true); err != nil {
			return fmt.Errorf("resubscribing: %w", err)
		}
		logger.Info("newsletter: subscriber reactivated", "email", email)
		return nil
	}
}

// Unsubscribe deactivates a subscription. Never creates a record: an unknown
// email and an already-unsubscribed one both report ErrNotSubscribed.
func (l *Ledger) Unsubscribe(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	sub, err := l.subs.GetSubscriber(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotSubscribed
	}
	if err != nil {
		return fmt.Errorf("looking up subscriber: %w", err)
	}
	if !sub.Subscribed {
		return ErrNotSubscribed
	}

	if err := l.subs.SetSubscribed(ctx, email, false); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	logger.Info("newsletter: subscriber deactivated", "email", email)
	return nil
}

// Recipients returns the emails of every active subscriber.
func (l *Ledger) Recipients(ctx context.Context) ([]string, error) {
	subs, err := l.subs.ListSubscribed(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing subscribers: %w", err)
	}
	emails := make([]string, 0, len(subs))
	for _, s := range subs {
		emails = append(emails, s.Email)
	}
	return emails, nil
}
