package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkipax/realtime/internal/testutil"
	"github.com/linkipax/realtime/internal/types"
)

func testSubscription() *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: "https://push.example.com/send/abc",
		Keys:     webpush.Keys{Auth: "auth", P256dh: "p256dh"},
	}
}

func TestRegisterSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/subscriptions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			UserId       string                `json:"user_id"`
			Subscription *webpush.Subscription `json:"subscription"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-1", body.UserId)
		assert.Equal(t, "https://push.example.com/send/abc", body.Subscription.Endpoint)

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(testutil.TestLogger(t), srv.URL, "tok")
	err := c.RegisterSubscription(context.Background(), "user-1", testSubscription())
	assert.NoError(t, err, "expected register to succeed")
}

func TestRemoveSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/subscriptions/unsubscribe", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testutil.TestLogger(t), srv.URL, "tok")
	err := c.RemoveSubscription(context.Background(), testSubscription())
	assert.NoError(t, err, "expected remove to succeed")
}

func TestNotifications(t *testing.T) {
	created := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/notifications/user-1", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))

		json.NewEncoder(w).Encode(NotificationPage{
			Notifications: []types.Notification{
				{Id: "n1", UserId: "user-1", Title: "hi", CreatedAt: created},
			},
			UnreadCount: 3,
			Page:        2,
			TotalPages:  4,
		})
	}))
	defer srv.Close()

	c := NewClient(testutil.TestLogger(t), srv.URL, "tok")
	page, err := c.Notifications(context.Background(), "user-1", 2)
	require.NoError(t, err, "expected listing to succeed")

	assert.Len(t, page.Notifications, 1)
	assert.Equal(t, "n1", page.Notifications[0].Id)
	assert.Equal(t, 3, page.UnreadCount)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 4, page.TotalPages)
}

func TestMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/notifications/n1/read", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testutil.TestLogger(t), srv.URL, "tok")
	err := c.MarkRead(context.Background(), "n1")
	assert.NoError(t, err, "expected mark read to succeed")
}

func TestStatusError(t *testing.T) {
	t.Run("with error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "no such user"})
		}))
		defer srv.Close()

		c := NewClient(testutil.TestLogger(t), srv.URL, "tok")
		_, err := c.Notifications(context.Background(), "nobody", 1)
		require.Error(t, err)

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr, "expected a StatusError")
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
		assert.Equal(t, "no such user", statusErr.Message)
		assert.Contains(t, statusErr.Error(), "404")
	})

	t.Run("without error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := NewClient(testutil.TestLogger(t), srv.URL, "tok")
		err := c.MarkRead(context.Background(), "n1")
		require.Error(t, err)

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr, "expected a StatusError")
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
		assert.Empty(t, statusErr.Message)
	})
}
