package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/linkipax/realtime/internal/types"
)

const defaultTimeout = 15 * time.Second

// Client talks to the REST backend on behalf of the realtime
// subsystem. It holds an opaque bearer credential supplied by the
// caller; it never mints or refreshes credentials itself.
type Client struct {
	log        *log.Logger
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(logger *log.Logger, baseURL, token string) *Client {
	return &Client{
		log:     logger,
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

type subscribeRequest struct {
	UserId       string                `json:"user_id"`
	Subscription *webpush.Subscription `json:"subscription"`
}

type unsubscribeRequest struct {
	Subscription *webpush.Subscription `json:"subscription"`
}

// NotificationPage is one page of the backend's notification listing.
type NotificationPage struct {
	Notifications []types.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unread_count"`
	Page          int                  `json:"page"`
	TotalPages    int                  `json:"total_pages"`
}

// RegisterSubscription stores a device endpoint with the backend. The
// backend can push to it indefinitely until told otherwise.
func (c *Client) RegisterSubscription(ctx context.Context, userId string, sub *webpush.Subscription) error {
	return c.do(ctx, http.MethodPost, "/subscriptions", subscribeRequest{
		UserId:       userId,
		Subscription: sub,
	}, nil)
}

// RemoveSubscription tells the backend to stop pushing to an endpoint.
func (c *Client) RemoveSubscription(ctx context.Context, sub *webpush.Subscription) error {
	return c.do(ctx, http.MethodPost, "/subscriptions/unsubscribe", unsubscribeRequest{
		Subscription: sub,
	}, nil)
}

// Notifications fetches one page of a user's notifications plus the
// unread count.
func (c *Client) Notifications(ctx context.Context, userId string, page int) (*NotificationPage, error) {
	var np NotificationPage
	path := fmt.Sprintf("/notifications/%s?page=%d", userId, page)
	if err := c.do(ctx, http.MethodGet, path, nil, &np); err != nil {
		return nil, err
	}
	return &np, nil
}

// MarkRead marks a single notification read.
func (c *Client) MarkRead(ctx context.Context, notificationId string) error {
	path := fmt.Sprintf("/notifications/%s/read", notificationId)
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
			c.log.Printf("backend: undecodable error body for %s %s: %v", method, path, err)
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
