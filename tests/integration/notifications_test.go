//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/hub"
	"github.com/avolkhin/herald/internal/testutil"
)

func TestSendInAppToOfflineUser(t *testing.T) {
	userID := newUserID("offline")
	client := userClient(t, userID)

	n := sendNotification(t, client, map[string]any{
		"channel": "inapp",
		"subject": "  Deploy \n finished  ",
		"body":    "All green.",
	})

	assert.Equal(t, userID, n.UserID)
	assert.Equal(t, domain.ChannelInApp, n.Channel)
	assert.Equal(t, domain.PriorityNormal, n.Priority)
	assert.Equal(t, "Deploy finished", n.Subject, "subject must be normalized")
	assert.Equal(t, "All green.", n.Body)

	// Nobody is connected, so the attempt parks the record as sent; it will
	// be flushed when the user's session appears.
	assert.Equal(t, domain.DeliveryStatusSent, n.Status)
	require.NotNil(t, n.SentAt)
	assert.Nil(t, n.DeliveredAt)
}

func TestSendInAppToConnectedSession(t *testing.T) {
	userID := newUserID("online")
	token := issueToken(t, userID, domain.RoleUser)
	conn := dialWS(t, token)

	n := sendNotification(t, userClient(t, userID), map[string]any{
		"channel":  "inapp",
		"priority": "high",
		"subject":  "Build broken",
		"body":     "main is red",
	})

	assert.Equal(t, domain.DeliveryStatusDelivered, n.Status)
	require.NotNil(t, n.DeliveredAt)

	ev := waitForEvent(t, conn, hub.EventNotification)
	payload, ok := ev.Data["notification"].(map[string]any)
	require.True(t, ok, "notification payload missing: %#v", ev.Data)
	assert.Equal(t, n.ID, payload["id"])
	assert.Equal(t, "Build broken", payload["subject"])
}

func TestOfflineNotificationsFlushOnConnect(t *testing.T) {
	userID := newUserID("latecomer")
	client := userClient(t, userID)

	first := sendNotification(t, client, map[string]any{
		"channel": "inapp",
		"subject": "while you were away",
		"body":    "first",
	})
	second := sendNotification(t, client, map[string]any{
		"channel": "inapp",
		"subject": "while you were away",
		"body":    "second",
	})

	conn := dialWS(t, issueToken(t, userID, domain.RoleUser))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := waitForEvent(t, conn, hub.EventNotification)
		payload, ok := ev.Data["notification"].(map[string]any)
		require.True(t, ok)
		got[payload["id"].(string)] = true
	}
	assert.True(t, got[first.ID], "first notification not flushed")
	assert.True(t, got[second.ID], "second notification not flushed")

	assert.Equal(t, domain.DeliveryStatusDelivered, getNotification(t, client, first.ID).Status)
	assert.Equal(t, domain.DeliveryStatusDelivered, getNotification(t, client, second.ID).Status)
}

func TestScheduledSendStaysPending(t *testing.T) {
	client := userClient(t, newUserID("scheduler"))
	scheduledAt := time.Now().Add(time.Hour).UTC()

	n := sendNotification(t, client, map[string]any{
		"channel":      "inapp",
		"body":         "see you in an hour",
		"scheduled_at": scheduledAt.Format(time.RFC3339),
	})

	assert.Equal(t, domain.DeliveryStatusPending, n.Status)
	require.NotNil(t, n.ScheduledAt)
	assert.WithinDuration(t, scheduledAt, *n.ScheduledAt, time.Second)
	assert.Nil(t, n.SentAt)
}

func TestGetNotificationAuthorization(t *testing.T) {
	owner := newUserID("owner")
	n := sendNotification(t, userClient(t, owner), map[string]any{
		"channel": "inapp",
		"body":    "private",
	})

	t.Run("owner sees it", func(t *testing.T) {
		got := getNotification(t, userClient(t, owner), n.ID)
		assert.Equal(t, n.ID, got.ID)
	})

	t.Run("stranger gets 404", func(t *testing.T) {
		resp, err := userClient(t, newUserID("stranger")).GET("/api/v1/notifications/" + n.ID)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("admin sees any record", func(t *testing.T) {
		got := getNotification(t, adminClient(t), n.ID)
		assert.Equal(t, owner, got.UserID)
	})

	t.Run("unknown id", func(t *testing.T) {
		resp, err := userClient(t, owner).GET("/api/v1/notifications/00000000-0000-0000-0000-000000000000")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSendForAnotherUser(t *testing.T) {
	target := newUserID("target")

	t.Run("plain user is refused", func(t *testing.T) {
		resp, err := userClient(t, newUserID("sender")).POST("/api/v1/notifications", map[string]any{
			"user_id": target,
			"channel": "inapp",
			"body":    "not yours to send",
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("admin may address anyone", func(t *testing.T) {
		n := sendNotification(t, adminClient(t), map[string]any{
			"user_id": target,
			"channel": "inapp",
			"body":    "from operations",
		})
		assert.Equal(t, target, n.UserID)
	})
}

func TestSendValidation(t *testing.T) {
	client := userClient(t, newUserID("validator"))

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"unknown channel", map[string]any{"channel": "pigeon", "body": "x"}},
		{"missing body", map[string]any{"channel": "inapp"}},
		{"bad priority", map[string]any{"channel": "inapp", "priority": "urgent", "body": "x"}},
		{"bad max retries", map[string]any{"channel": "inapp", "body": "x", "max_retries": 99}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := client.POST("/api/v1/notifications", tc.payload)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body struct {
				Error struct {
					Message string         `json:"message"`
					Details map[string]any `json:"details"`
				} `json:"error"`
			}
			testutil.DecodeJSON(t, resp, &body)
			assert.Equal(t, "validation error", body.Error.Message)
			assert.NotEmpty(t, body.Error.Details)
		})
	}
}

func TestListNotifications(t *testing.T) {
	userID := newUserID("lister")
	client := userClient(t, userID)

	var ids []string
	for i := 0; i < 3; i++ {
		n := sendNotification(t, client, map[string]any{
			"channel": "inapp",
			"subject": fmt.Sprintf("note %d", i),
			"body":    "body",
		})
		ids = append(ids, n.ID)
	}

	listNotifications := func(t *testing.T, query string) []domain.Notification {
		t.Helper()
		resp, err := client.GET("/api/v1/notifications" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var items []domain.Notification
		testutil.DecodeData(t, resp, &items)
		return items
	}

	t.Run("returns own feed", func(t *testing.T) {
		items := listNotifications(t, "")
		require.Len(t, items, 3)
		for _, item := range items {
			assert.Equal(t, userID, item.UserID)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		assert.Len(t, listNotifications(t, "?status=sent"), 3)
		assert.Empty(t, listNotifications(t, "?status=failed"))
	})

	t.Run("channel filter", func(t *testing.T) {
		assert.Len(t, listNotifications(t, "?channel=inapp"), 3)
		assert.Empty(t, listNotifications(t, "?channel=email"))
	})

	t.Run("limit and offset", func(t *testing.T) {
		assert.Len(t, listNotifications(t, "?limit=2"), 2)
		assert.Len(t, listNotifications(t, "?limit=2&offset=2"), 1)
	})

	t.Run("unread filter shrinks after read", func(t *testing.T) {
		require.Len(t, listNotifications(t, "?unread=true"), 3)

		resp, err := client.POST("/api/v1/notifications/"+ids[0]+"/read", nil)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Len(t, listNotifications(t, "?unread=true"), 2)
	})
}

func TestListValidation(t *testing.T) {
	client := userClient(t, newUserID("listval"))

	for _, query := range []string{
		"?status=bogus",
		"?channel=fax",
		"?limit=0",
		"?limit=201",
		"?limit=abc",
		"?offset=-1",
	} {
		resp, err := client.GET("/api/v1/notifications" + query)
		require.NoError(t, err)
		body := testutil.ReadBody(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%s: %s", query, body)
	}
}

func TestListForeignFeedRequiresAdmin(t *testing.T) {
	owner := newUserID("feed-owner")
	sendNotification(t, userClient(t, owner), map[string]any{
		"channel": "inapp",
		"body":    "mine",
	})

	t.Run("user denied", func(t *testing.T) {
		resp, err := userClient(t, newUserID("snoop")).GET("/api/v1/notifications?user_id=" + owner)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("admin allowed", func(t *testing.T) {
		resp, err := adminClient(t).GET("/api/v1/notifications?user_id=" + owner)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var items []domain.Notification
		testutil.DecodeData(t, resp, &items)
		require.NotEmpty(t, items)
		assert.Equal(t, owner, items[0].UserID)
	})
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	userID := newUserID("reader")
	client := userClient(t, userID)

	first := sendNotification(t, client, map[string]any{"channel": "inapp", "body": "one"})
	sendNotification(t, client, map[string]any{"channel": "inapp", "body": "two"})

	unreadCount := func(t *testing.T) int64 {
		t.Helper()
		resp, err := client.GET("/api/v1/notifications/unread/count")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Count int64 `json:"count"`
		}
		testutil.DecodeData(t, resp, &body)
		return body.Count
	}

	require.EqualValues(t, 2, unreadCount(t))

	resp, err := client.POST("/api/v1/notifications/"+first.ID+"/read", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Status string `json:"status"`
	}
	testutil.DecodeData(t, resp, &status)
	assert.Equal(t, "read", status.Status)

	got := getNotification(t, client, first.ID)
	assert.Equal(t, domain.DeliveryStatusRead, got.Status)
	require.NotNil(t, got.ReadAt)

	assert.EqualValues(t, 1, unreadCount(t))
}

func TestMarkReadForeignRecordIs404(t *testing.T) {
	n := sendNotification(t, userClient(t, newUserID("victim")), map[string]any{
		"channel": "inapp",
		"body":    "untouchable",
	})

	resp, err := userClient(t, newUserID("meddler")).POST("/api/v1/notifications/"+n.ID+"/read", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarkDelivered(t *testing.T) {
	userID := newUserID("ack")
	client := userClient(t, userID)

	n := sendNotification(t, client, map[string]any{"channel": "inapp", "body": "ack me"})
	require.Equal(t, domain.DeliveryStatusSent, n.Status)

	resp, err := client.POST("/api/v1/notifications/"+n.ID+"/delivered", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := getNotification(t, client, n.ID)
	assert.Equal(t, domain.DeliveryStatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
}

func TestBulkSendRequiresAdmin(t *testing.T) {
	resp, err := userClient(t, newUserID("bulker")).POST("/api/v1/notifications/bulk", map[string]any{
		"notifications": []map[string]any{
			{"channel": "inapp", "body": "x"},
		},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBulkSendAcceptsBatch(t *testing.T) {
	userA := newUserID("bulk-a")
	userB := newUserID("bulk-b")

	resp, err := adminClient(t).POST("/api/v1/notifications/bulk", map[string]any{
		"notifications": []map[string]any{
			{"user_id": userA, "channel": "inapp", "subject": "digest", "body": "a"},
			{"user_id": userB, "channel": "inapp", "subject": "digest", "body": "b"},
		},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result struct {
		Requested int                   `json:"requested"`
		Accepted  int                   `json:"accepted"`
		Items     []domain.Notification `json:"items"`
	}
	testutil.DecodeData(t, resp, &result)
	assert.Equal(t, 2, result.Requested)
	assert.Equal(t, 2, result.Accepted)
	require.Len(t, result.Items, 2)

	// Bulk sends skip the inline attempt and drain through workers, which
	// are not running here, so the records stay pending.
	for _, item := range result.Items {
		assert.Equal(t, domain.DeliveryStatusPending, item.Status)
	}
}

func TestBulkSendRejectsInvalidEntry(t *testing.T) {
	resp, err := adminClient(t).POST("/api/v1/notifications/bulk", map[string]any{
		"notifications": []map[string]any{
			{"user_id": "u1", "channel": "inapp", "body": "fine"},
			{"user_id": "u2", "channel": "carrier-pigeon", "body": "not fine"},
		},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
