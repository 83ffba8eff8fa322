// Package remote is the JSON client for the crewlink message API. The
// sync engine drives it; it holds no local state of its own.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Message is the canonical server message record.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Kind           string `json:"kind"`
	LocalID        string `json:"localId,omitempty"`
	CreatedAt      int64  `json:"createdAt"` // unix millis, server clock
}

// SendRequest is the body of POST /v1/conversations/{id}/messages.
type SendRequest struct {
	LocalID string `json:"localId"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// Event is a single entry from the pull-sync endpoint.
type Event struct {
	Seq            int64    `json:"seq"`
	Type           string   `json:"type"` // message.new, message.edit, message.delete, status
	ConversationID string   `json:"conversationId,omitempty"`
	Message        *Message `json:"message,omitempty"`
	MessageID      string   `json:"messageId,omitempty"`
	Status         string   `json:"status,omitempty"`
	At             int64    `json:"at"`
}

// PullResult is the response of GET /v1/sync.
type PullResult struct {
	Events  []Event `json:"events"`
	Cursor  string  `json:"cursor"`
	HasMore bool    `json:"hasMore"`
}

// Client talks to the remote message API over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given base URL. token may be empty.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SendMessage delivers a queued send. Success returns the canonical
// server record with the server-assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*Message, error) {
	var msg Message
	path := fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodPost, path, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces the content of a synced message.
func (c *Client) EditMessage(ctx context.Context, id, content string) (*Message, error) {
	var msg Message
	path := "/v1/messages/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"content": content}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a synced message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(id), nil, nil)
}

// MarkRead reports a read receipt for everything up to upTo (unix millis).
func (c *Client) MarkRead(ctx context.Context, conversationID string, upTo int64) error {
	path := fmt.Sprintf("/v1/conversations/%s/read", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, map[string]int64{"upTo": upTo}, nil)
}

// PullEvents pages missed events since the given cursor ("" for the beginning).
func (c *Client) PullEvents(ctx context.Context, since string, limit int) (*PullResult, error) {
	if limit <= 0 {
		limit = 100
	}
	var res PullResult
	path := "/v1/sync?since=" + url.QueryEscape(since) + "&limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure: always retryable.
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode, Message: resp.Status}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body) == nil && body.Error.Message != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	return apiErr
}
