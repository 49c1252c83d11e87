// Package mailer sends tracked email through Gmail and reconciles reply
// state by re-reading the threads those sends created.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raybit/mailmate/internal/gmail"
	"github.com/raybit/mailmate/internal/pkg/logger"
	"github.com/raybit/mailmate/internal/store"
	"github.com/raybit/mailmate/internal/tracking"
)

// GmailAPI is the slice of the Gmail client the mailer needs.
type GmailAPI interface {
	Send(ctx context.Context, accessToken, raw string) (*gmail.SendResult, error)
	GetThread(ctx context.Context, accessToken, threadID string) (*gmail.Thread, error)
}

var ErrInvalidMessage = errors.New("mailer: to, subject and body are required")

// SendResult reports a completed send. TrackingID is nil when tracking was
// not requested or when the bookkeeping write failed after the send.
type SendResult struct {
	MessageID  string  `json:"messageId"`
	ThreadID   string  `json:"threadId"`
	TrackingID *string `json:"trackingId,omitempty"`
}

// Composer builds and sends tracked HTML email.
type Composer struct {
	gmail           GmailAPI
	messages        store.MessageStore
	tracker         *tracking.Service
	trackingBaseURL string
}

func NewComposer(g GmailAPI, messages store.MessageStore, tracker *tracking.Service, trackingBaseURL string) *Composer {
	return &Composer{
		gmail:           g,
		messages:        messages,
		tracker:         tracker,
		trackingBaseURL: strings.TrimRight(trackingBaseURL, "/"),
	}
}

// Send delivers one HTML message from the linked account. When track is true
// a pixel is injected and the message is recorded for open/reply tracking.
//
// The Gmail send is the point of no return: once it succeeds the caller gets
// a success result even if recording the tracked message fails afterwards.
// A send that is delivered but not tracked beats a tracked record for a
// message that was never sent.
func (c *Composer) Send(ctx context.Context, accessToken, from, to, subject, body string, track bool) (*SendResult, error) {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return nil, ErrInvalidMessage
	}

	htmlBody := strings.ReplaceAll(body, "\n", "<br>")

	var trackingID string
	if track {
		trackingID = c.tracker.GenerateTrackingID()
		htmlBody += fmt.Sprintf(
			`<img src="%s/api/track/%s" width="1" height="1" style="display:none" />`,
			c.trackingBaseURL, trackingID,
		)
	}

	raw := gmail.EncodeRaw(buildMessage(from, to, subject, htmlBody))

	sent, err := c.gmail.Send(ctx, accessToken, raw)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	result := &SendResult{MessageID: sent.ID, ThreadID: sent.ThreadID}
	if !track {
		return result, nil
	}

	msg := &store.TrackedMessage{
		TrackingID: trackingID,
		MessageID:  sent.ID,
		ThreadID:   sent.ThreadID,
		From:       from,
		To:         to,
		Subject:    subject,
		SentAt:     time.Now().UTC(),
	}
	if err := c.messages.CreateMessage(ctx, msg); err != nil {
		logger.Error("mailer: recording tracked message failed",
			"trackingId", trackingID, "messageId", sent.ID, "error", err.Error())
		return result, nil
	}

	result.TrackingID = &trackingID
	return result, nil
}

// buildMessage assembles an RFC-822 message with an HTML body.
func buildMessage(from, to, subject, htmlBody string) []byte {
	var b strings.Builder
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}
