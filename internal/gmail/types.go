// Package gmail is a minimal Gmail REST API client covering the message
// list/read, thread read, and raw send operations this service needs.
package gmail

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// MessageRef identifies a message in a list response.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// ListResponse is a page of message ids.
type ListResponse struct {
	Messages           []MessageRef `json:"messages"`
	NextPageToken      string       `json:"nextPageToken"`
	ResultSizeEstimate int          `json:"resultSizeEstimate"`
}

// Message is a full Gmail message with its MIME payload tree.
type Message struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"` // epoch millis as a string
	Payload      *Part  `json:"payload"`
}

// Thread is a conversation: all messages grouped under one thread id.
type Thread struct {
	ID       string     `json:"id"`
	Messages []*Message `json:"messages"`
}

// Part is one node of the MIME tree. Leaf parts carry base64-encoded body
// data tagged with a mime type; container parts carry child Parts.
type Part struct {
	MimeType string   `json:"mimeType"`
	Headers  []Header `json:"headers"`
	Body     *PartBody `json:"body"`
	Parts    []*Part  `json:"parts"`
}

// PartBody is the encoded content of a leaf part.
type PartBody struct {
	Size int    `json:"size"`
	Data string `json:"data"`
}

// Header is one name/value pair from the provider's header list.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SendResult carries the provider-assigned identifiers for a sent message.
type SendResult struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// HeaderMap is a case-insensitive header name → value mapping, built once
// per message instead of re-scanning the header list on every lookup.
type HeaderMap map[string]string

// NewHeaderMap builds a HeaderMap from a provider header list. Later
// duplicates win, matching the provider's own replacement behavior.
func NewHeaderMap(headers []Header) HeaderMap {
	m := make(HeaderMap, len(headers))
	for _, h := range headers {
		m[strings.ToLower(h.Name)] = h.Value
	}
	return m
}

// Get returns the value for a header name, case-insensitively.
func (m HeaderMap) Get(name string) string {
	return m[strings.ToLower(name)]
}

// HeaderMap builds the case-insensitive header map for this message's
// top-level payload. Returns an empty map when the payload is absent.
func (msg *Message) HeaderMap() HeaderMap {
	if msg.Payload == nil {
		return HeaderMap{}
	}
	return NewHeaderMap(msg.Payload.Headers)
}

// InternalTime parses the provider's epoch-millis timestamp. Returns the
// zero time when the field is absent or malformed.
func (msg *Message) InternalTime() time.Time {
	ms, err := strconv.ParseInt(msg.InternalDate, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// EncodeRaw encodes an assembled RFC-822 message for the send endpoint:
// base64 with URL-safe alphabet and padding stripped.
func EncodeRaw(rfc822 []byte) string {
	return base64.RawURLEncoding.EncodeToString(rfc822)
}

// decodeBody decodes a leaf part's base64 data. The provider emits the
// URL-safe alphabet, sometimes padded, so both variants are tried.
func decodeBody(data string) []byte {
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return b
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(data); err == nil {
		return b
	}
	return nil
}
