package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/raybit/mailmate/internal/pkg/httpretry"
)

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

// Client is a Gmail API client. Access tokens are passed per call because
// every request acts on behalf of a specific linked account.
type Client struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new Gmail API client.
func NewClient(httpClient *http.Client) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		httpClient: httpretry.NewRetryClient(httpClient, 3),
	}
}

// NewClientWithBaseURL creates a client against a custom endpoint. Used by tests.
func NewClientWithBaseURL(baseURL string, httpClient httpretry.HTTPDoer) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// ListMessages returns one page of message ids for the account.
func (c *Client) ListMessages(ctx context.Context, accessToken string, maxResults int, pageToken string) (*ListResponse, error) {
	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(maxResults))
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	body, err := c.doRequest(ctx, accessToken, http.MethodGet, "/users/me/messages?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var list ListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("gmail: parsing list response: %w", err)
	}
	return &list, nil
}

// GetMessage fetches a full message including its MIME payload tree.
func (c *Client) GetMessage(ctx context.Context, accessToken, id string) (*Message, error) {
	body, err := c.doRequest(ctx, accessToken, http.MethodGet, "/users/me/messages/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("gmail: parsing message: %w", err)
	}
	return &msg, nil
}

// GetThread fetches all messages in a conversation.
func (c *Client) GetThread(ctx context.Context, accessToken, threadID string) (*Thread, error) {
	body, err := c.doRequest(ctx, accessToken, http.MethodGet, "/users/me/threads/"+url.PathEscape(threadID), nil)
	if err != nil {
		return nil, err
	}

	var thread Thread
	if err := json.Unmarshal(body, &thread); err != nil {
		return nil, fmt.Errorf("gmail: parsing thread: %w", err)
	}
	return &thread, nil
}

// Send submits a base64url-encoded RFC-822 message and returns the
// provider-assigned message and thread ids.
func (c *Client) Send(ctx context.Context, accessToken, raw string) (*SendResult, error) {
	payload, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return nil, fmt.Errorf("gmail: marshaling send payload: %w", err)
	}

	body, err := c.doRequest(ctx, accessToken, http.MethodPost, "/users/me/messages/send", payload)
	if err != nil {
		return nil, err
	}

	var result SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("gmail: parsing send response: %w", err)
	}
	return &result, nil
}

func (c *Client) doRequest(ctx context.Context, accessToken, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("gmail: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gmail: executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gmail: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gmail: API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}
