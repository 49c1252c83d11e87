package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages" {
			t.Errorf("path = %s, want /users/me/messages", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-abc" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("maxResults"); got != "10" {
			t.Errorf("maxResults = %q, want 10", got)
		}
		if got := r.URL.Query().Get("pageToken"); got != "page-2" {
			t.Errorf("pageToken = %q, want page-2", got)
		}
		json.NewEncoder(w).Encode(ListResponse{
			Messages:      []MessageRef{{ID: "m1", ThreadID: "t1"}},
			NextPageToken: "page-3",
		})
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL, nil)
	list, err := c.ListMessages(context.Background(), "tok-abc", 10, "page-2")
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(list.Messages) != 1 || list.Messages[0].ID != "m1" {
		t.Errorf("unexpected messages: %+v", list.Messages)
	}
	if list.NextPageToken != "page-3" {
		t.Errorf("NextPageToken = %q, want page-3", list.NextPageToken)
	}
}

func TestGetThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/threads/t42" {
			t.Errorf("path = %s, want /users/me/threads/t42", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Thread{
			ID: "t42",
			Messages: []*Message{
				{ID: "m1", ThreadID: "t42", InternalDate: "1700000000000"},
			},
		})
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL, nil)
	thread, err := c.GetThread(context.Background(), "tok", "t42")
	if err != nil {
		t.Fatalf("GetThread() error: %v", err)
	}
	if len(thread.Messages) != 1 || thread.Messages[0].ID != "m1" {
		t.Errorf("unexpected thread: %+v", thread)
	}
}

func TestSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/me/messages/send" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["raw"] != "SGVsbG8" {
			t.Errorf("raw = %q, want SGVsbG8", payload["raw"])
		}
		json.NewEncoder(w).Encode(SendResult{ID: "sent-1", ThreadID: "thread-1"})
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL, nil)
	result, err := c.Send(context.Background(), "tok", "SGVsbG8")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if result.ID != "sent-1" || result.ThreadID != "thread-1" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestSendUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid grant"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL, nil)
	if _, err := c.Send(context.Background(), "bad-tok", "SGVsbG8"); err == nil {
		t.Fatal("Send() should fail on non-200 response")
	}
}
