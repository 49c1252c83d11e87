package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/raybit/mailmate/internal/gmail"
	"github.com/raybit/mailmate/internal/mailer"
	"github.com/raybit/mailmate/internal/newsletter"
	"github.com/raybit/mailmate/internal/pkg/httputil"
	"github.com/raybit/mailmate/internal/pkg/logger"
	"github.com/raybit/mailmate/internal/ratelimit"
	"github.com/raybit/mailmate/internal/store"
)

const (
	defaultListSize = 10
	maxListSize     = 50
	sentListLimit   = 100
)

// GmailReader is the slice of the Gmail client the read endpoints use.
type GmailReader interface {
	ListMessages(ctx context.Context, accessToken string, maxResults int, pageToken string) (*gmail.ListResponse, error)
	GetMessage(ctx context.Context, accessToken, id string) (*gmail.Message, error)
}

// TokenProvider resolves a linked account to a usable access token.
type TokenProvider interface {
	AccessToken(ctx context.Context, email string) (string, error)
}

// Handlers carries the services behind the HTTP surface.
type Handlers struct {
	tokens          TokenProvider
	gmail           GmailReader
	messages        store.MessageStore
	composer        *mailer.Composer
	reconciler      *mailer.Reconciler
	ledger          *newsletter.Ledger
	limiter         *ratelimit.SendLimiter
	trackingBaseURL string
}

func NewHandlers(
	tokens TokenProvider,
	gmailClient GmailReader,
	messages store.MessageStore,
	composer *mailer.Composer,
	reconciler *mailer.Reconciler,
	ledger *newsletter.Ledger,
	limiter *ratelimit.SendLimiter,
	trackingBaseURL string,
) *Handlers {
	return &Handlers{
		tokens:          tokens,
		gmail:           gmailClient,
		messages:        messages,
		composer:        composer,
		reconciler:      reconciler,
		ledger:          ledger,
		limiter:         limiter,
		trackingBaseURL: trackingBaseURL,
	}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// accessToken resolves the path's userEmail to a token, writing the error
// response itself. Returns "" when the response is already written.
func (h *Handlers) accessToken(w http.ResponseWriter, r *http.Request) (string, string) {
	userEmail := chi.URLParam(r, "userEmail")
	token, err := h.tokens.AccessToken(r.Context(), userEmail)
	if errors.Is(err, store.ErrNotFound) {
		httputil.Unauthorized(w, "No linked Google account for "+userEmail+". Authenticate first.")
		return "", ""
	}
	if err != nil {
		logger.Error("api: resolving access token failed", "email", userEmail, "error", err.Error())
		httputil.Unauthorized(w, "Could not authenticate account. Re-link and try again.")
		return "", ""
	}
	return token, userEmail
}

// EmailSummary is one inbox message in list responses.
type EmailSummary struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Subject  string `json:"subject"`
	From     string `json:"from"`
	To       string `json:"to"`
	Date     string `json:"date"`
	Snippet  string `json:"snippet"`
	Body     string `json:"body"`
}

// ListEmails returns one page of the linked account's inbox with extracted
// plain-text bodies.
func (h *Handlers) ListEmails(w http.ResponseWriter, r *http.Request) {
	token, userEmail := h.accessToken(w, r)
	if token == "" {
		return
	}

	maxResults := defaultListSize
	if v := r.URL.Query().Get("maxResults"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "maxResults must be a positive integer")
			return
		}
		if n > maxListSize {
			n = maxListSize
		}
		maxResults = n
	}

	list, err := h.gmail.ListMessages(r.Context(), token, maxResults, r.URL.Query().Get("pageToken"))
	if err != nil {
		logger.Error("api: listing messages failed", "email", userEmail, "error", err.Error())
		httputil.BadGateway(w, "Failed to fetch messages from Gmail")
		return
	}

	emails := make([]EmailSummary, 0, len(list.Messages))
	for _, ref := range list.Messages {
		msg, err := h.gmail.GetMessage(r.Context(), token, ref.ID)
		if err != nil {
			// One bad message should not empty the whole page.
			logger.Warn("api: fetching message failed", "messageId", ref.ID, "error", err.Error())
			continue
		}
		headers := msg.HeaderMap()
		emails = append(emails, EmailSummary{
			ID:       msg.ID,
			ThreadID: msg.ThreadID,
			Subject:  headers.Get("Subject"),
			From:     headers.Get("From"),
			To:       headers.Get("To"),
			Date:     headers.Get("Date"),
			Snippet:  msg.Snippet,
			Body:     gmail.ExtractBody(msg.Payload),
		})
	}

	httputil.OK(w, map[string]interface{}{
		"emails":        emails,
		"nextPageToken": list.NextPageToken,
	})
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Track   *bool  `json:"track,omitempty"`
}

// SendEmail sends a message from the linked account, tracked by default.
func (h *Handlers) SendEmail(w http.ResponseWriter, r *http.Request) {
	token, userEmail := h.accessToken(w, r)
	if token == "" {
		return
	}

	var req sendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	track := req.Track == nil || *req.Track

	allowed, err := h.limiter.Allow(r.Context(), userEmail)
	if err != nil {
		logger.Warn("api: rate limit check failed", "email", userEmail, "error", err.Error())
	}
	if !allowed {
		httputil.Error(w, http.StatusTooManyRequests, "Send rate limit exceeded. Try again in a minute.")
		return
	}

	result, err := h.composer.Send(r.Context(), token, userEmail, req.To, req.Subject, req.Body, track)
	if errors.Is(err, mailer.ErrInvalidMessage) {
		httputil.BadRequest(w, "to, subject and body are required")
		return
	}
	if err != nil {
		logger.Error("api: send failed", "email", userEmail, "error", err.Error())
		httputil.BadGateway(w, "Failed to send message through Gmail")
		return
	}

	httputil.OK(w, map[string]interface{}{
		"success":    true,
		"messageId":  result.MessageID,
		"threadId":   result.ThreadID,
		"trackingId": result.TrackingID,
	})
}

// ListSent returns the account's tracked sends, newest first.
func (h *Handlers) ListSent(w http.ResponseWriter, r *http.Request) {
	userEmail := chi.URLParam(r, "userEmail")

	messages, err := h.messages.ListBySender(r.Context(), userEmail, sentListLimit)
	if err != nil {
		logger.Error("api: listing sent messages failed", "email", userEmail, "error", err.Error())
		httputil.InternalError(w, err)
		return
	}
	if messages == nil {
		messages = []*store.TrackedMessage{}
	}

	httputil.OK(w, map[string]interface{}{"messages": messages})
}

// CheckReplies reconciles reply state from Gmail threads, then returns every
// tracked message that has a reply. Individual reconciliation failures are
// logged and absorbed; the caller always gets the current replied set.
func (h *Handlers) CheckReplies(w http.ResponseWriter, r *http.Request) {
	token, userEmail := h.accessToken(w, r)
	if token == "" {
		return
	}

	newlyReplied, err := h.reconciler.Run(r.Context(), token, userEmail)
	if err != nil {
		logger.Warn("api: reply reconciliation incomplete", "email", userEmail, "error", err.Error())
	}

	messages, err := h.messages.ListBySender(r.Context(), userEmail, sentListLimit)
	if err != nil {
		logger.Error("api: listing messages failed", "email", userEmail, "error", err.Error())
		httputil.InternalError(w, err)
		return
	}

	replies := make([]*store.TrackedMessage, 0)
	for _, msg := range messages {
		if msg.Replied {
			replies = append(replies, msg)
		}
	}

	httputil.OK(w, map[string]interface{}{
		"success":      true,
		"newlyReplied": newlyReplied,
		"replies":      replies,
	})
}

// DebugConfig reports the tracking URL configuration so a misbehaving pixel
// can be diagnosed without shell access.
func (h *Handlers) DebugConfig(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(h.trackingBaseURL, "/")
	httputil.OK(w, map[string]interface{}{
		"trackingBaseUrl": base,
		"examplePixelUrl": base + "/api/track/<trackingId>",
	})
}

type subscriptionRequest struct {
	Email string `json:"email"`
}

func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	err := h.ledger.Subscribe(r.Context(), req.Email)
	switch {
	case errors.Is(err, newsletter.ErrInvalidEmail):
		httputil.BadRequest(w, "A valid email address is required")
	case errors.Is(err, newsletter.ErrAlreadySubscribed):
		httputil.Conflict(w, "Email is already subscribed")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]interface{}{
			"success": true,
			"message": "Subscribed to the newsletter",
		})
	}
}

func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	err := h.ledger.Unsubscribe(r.Context(), req.Email)
	switch {
	case errors.Is(err, newsletter.ErrInvalidEmail):
		httputil.BadRequest(w, "A valid email address is required")
	case errors.Is(err, newsletter.ErrNotSubscribed):
		httputil.Conflict(w, "Email is not subscribed")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]interface{}{
			"success": true,
			"message": "Unsubscribed from the newsletter",
		})
	}
}
