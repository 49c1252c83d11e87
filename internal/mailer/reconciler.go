package mailer

import (
	"context"
	"strings"
	"time"

	"github.com/raybit/mailmate/internal/gmail"
	"github.com/raybit/mailmate/internal/pkg/logger"
	"github.com/raybit/mailmate/internal/store"
)

const defaultThreadTimeout = 15 * time.Second

// Reconciler discovers replies to tracked messages by re-reading their Gmail
// threads. Reply state is monotonic: a record already marked replied is
// skipped entirely and never fetched again.
type Reconciler struct {
	gmail         GmailAPI
	messages      store.MessageStore
	threadTimeout time.Duration
}

func NewReconciler(g GmailAPI, messages store.MessageStore) *Reconciler {
	return &Reconciler{
		gmail:         g,
		messages:      messages,
		threadTimeout: defaultThreadTimeout,
	}
}

// Run checks every not-yet-replied tracked message for sender. Each thread
// fetch gets its own timeout, and a failure on one record never stops the
// sweep. Returns the number of records newly marked replied.
func (r *Reconciler) Run(ctx context.Context, accessToken, sender string) (int, error) {
	open, err := r.messages.FindOpenTrackedForSender(ctx, sender)
	if err != nil {
		return 0, err
	}

	replied := 0
	for _, msg := range open {
		if ctx.Err() != nil {
			return replied, ctx.Err()
		}
		if r.reconcileOne(ctx, accessToken, sender, msg) {
			replied++
		}
	}
	return replied, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, accessToken, sender string, msg *store.TrackedMessage) bool {
	ctx, cancel := context.WithTimeout(ctx, r.threadTimeout)
	defer cancel()

	thread, err := r.gmail.GetThread(ctx, accessToken, msg.ThreadID)
	if err != nil {
		logger.Warn("mailer: fetching thread failed",
			"threadId", msg.ThreadID, "trackingId", msg.TrackingID, "error", err.Error())
		return false
	}

	reply := findReply(thread, sender)
	if reply == nil {
		return false
	}

	first, err := r.messages.MarkReplied(ctx, msg.TrackingID, reply.InternalTime(), reply.ID)
	if err != nil {
		logger.Warn("mailer: marking reply failed",
			"trackingId", msg.TrackingID, "error", err.Error())
		return false
	}
	if first {
		logger.Info("mailer: reply detected",
			"trackingId", msg.TrackingID, "threadId", msg.ThreadID, "replyId", reply.ID)
	}
	return first
}

// findReply returns the first message in the thread whose From header does
// not mention the sender. Substring matching is deliberately loose: Gmail
// renders From as `Name <addr>` and the exact shape varies by client.
func findReply(thread *gmail.Thread, sender string) *gmail.Message {
	senderLower := strings.ToLower(sender)
	for _, m := range thread.Messages {
		from := m.HeaderMap().Get("From")
		if from == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(from), senderLower) {
			return m
		}
	}
	return nil
}
