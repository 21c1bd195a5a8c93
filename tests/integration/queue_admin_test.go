//go:build integration

package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/queue"
	"github.com/avolkhin/herald/internal/testutil"
)

// scheduleNotification creates a far-future send so its queue item stays
// pending for the admin API to manipulate.
func scheduleNotification(t *testing.T, userID string) queue.Item {
	t.Helper()

	n := sendNotification(t, userClient(t, userID), map[string]any{
		"channel":      "inapp",
		"body":         "later",
		"scheduled_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	item := queueItemForRecord(t, n.ID)
	require.Equal(t, queue.StatusPending, item.Status)
	return item
}

func getQueueItem(t *testing.T, id string) queue.Item {
	t.Helper()

	resp, err := adminClient(t).GET("/api/v1/admin/queue/items/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var item queue.Item
	testutil.DecodeData(t, resp, &item)
	return item
}

func TestQueueStats(t *testing.T) {
	// Make sure at least one item exists so the aggregate is not empty.
	scheduleNotification(t, newUserID("stats"))

	resp, err := adminClient(t).GET("/api/v1/admin/queue/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats queue.Stats
	testutil.DecodeData(t, resp, &stats)
	assert.GreaterOrEqual(t, stats.Total, int64(1))
	assert.NotNil(t, stats.ByStatus)
	assert.NotNil(t, stats.ByPriority)
}

func TestQueueProcessingMetrics(t *testing.T) {
	resp, err := adminClient(t).GET("/api/v1/admin/queue/metrics?top=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var metrics queue.ProcessingMetrics
	testutil.DecodeData(t, resp, &metrics)
	assert.GreaterOrEqual(t, metrics.SuccessRate, float64(0))
	assert.LessOrEqual(t, metrics.SuccessRate, float64(100))
	assert.NotNil(t, metrics.TopProcessors)

	t.Run("top out of range", func(t *testing.T) {
		resp, err := adminClient(t).GET("/api/v1/admin/queue/metrics?top=0")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestQueuePauseDefersInlineDelivery(t *testing.T) {
	client := adminClient(t)

	pauseState := func(t *testing.T) bool {
		t.Helper()
		resp, err := client.GET("/api/v1/admin/queue/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Paused bool `json:"paused"`
		}
		testutil.DecodeData(t, resp, &body)
		return body.Paused
	}

	require.False(t, pauseState(t), "queue must start unpaused")

	resp, err := client.POST("/api/v1/admin/queue/pause", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() {
		resumeResp, err := client.POST("/api/v1/admin/queue/resume", nil)
		require.NoError(t, err)
		resumeResp.Body.Close()
	}()

	require.True(t, pauseState(t))

	// With dequeuing paused even an immediate send must park instead of
	// attempting delivery inline.
	n := sendNotification(t, userClient(t, newUserID("parked")), map[string]any{
		"channel": "inapp",
		"body":    "held back",
	})
	assert.Equal(t, domain.DeliveryStatusPending, n.Status)

	item := queueItemForRecord(t, n.ID)
	assert.Equal(t, queue.StatusPending, item.Status)
}

func TestQueueItemLifecycle(t *testing.T) {
	item := scheduleNotification(t, newUserID("lifecycle"))
	client := adminClient(t)

	t.Run("get", func(t *testing.T) {
		got := getQueueItem(t, item.ID)
		assert.Equal(t, item.RecordID, got.RecordID)
		assert.Equal(t, domain.PriorityNormal, got.Priority)
	})

	t.Run("reschedule", func(t *testing.T) {
		newTime := time.Now().Add(2 * time.Hour).UTC()
		resp, err := client.POST("/api/v1/admin/queue/items/"+item.ID+"/reschedule", map[string]any{
			"scheduled_at": newTime.Format(time.RFC3339),
		})
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.WithinDuration(t, newTime, getQueueItem(t, item.ID).ScheduledAt, time.Second)
	})

	t.Run("priority", func(t *testing.T) {
		resp, err := client.POST("/api/v1/admin/queue/items/"+item.ID+"/priority", map[string]any{
			"priority": "critical",
		})
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Equal(t, domain.PriorityCritical, getQueueItem(t, item.ID).Priority)
	})

	t.Run("cancel", func(t *testing.T) {
		resp, err := client.POST("/api/v1/admin/queue/items/"+item.ID+"/cancel", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var status struct {
			Status string `json:"status"`
		}
		testutil.DecodeData(t, resp, &status)
		assert.Equal(t, "cancelled", status.Status)
		assert.Equal(t, queue.StatusCancelled, getQueueItem(t, item.ID).Status)
	})

	t.Run("cancel twice conflicts", func(t *testing.T) {
		resp, err := client.POST("/api/v1/admin/queue/items/"+item.ID+"/cancel", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("reschedule after cancel conflicts", func(t *testing.T) {
		resp, err := client.POST("/api/v1/admin/queue/items/"+item.ID+"/reschedule", map[string]any{
			"scheduled_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestQueueListFilters(t *testing.T) {
	item := scheduleNotification(t, newUserID("filters"))

	resp, err := adminClient(t).GET("/api/v1/admin/queue/items?status=pending&limit=500")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var items []queue.Item
	testutil.DecodeData(t, resp, &items)

	found := false
	for _, it := range items {
		assert.Equal(t, queue.StatusPending, it.Status)
		if it.ID == item.ID {
			found = true
		}
	}
	assert.True(t, found, "scheduled item missing from pending list")

	t.Run("invalid status", func(t *testing.T) {
		resp, err := adminClient(t).GET("/api/v1/admin/queue/items?status=lost")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid limit", func(t *testing.T) {
		resp, err := adminClient(t).GET("/api/v1/admin/queue/items?limit=0")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRequeueFailedItem(t *testing.T) {
	// A send on the unconfigured SMS channel produces a failed item with
	// retry budget left.
	n := sendNotification(t, userClient(t, newUserID("redo")), map[string]any{
		"channel": "sms",
		"body":    "try me again",
	})
	require.Equal(t, domain.DeliveryStatusFailed, n.Status)

	item := queueItemForRecord(t, n.ID)
	require.Equal(t, queue.StatusFailed, item.Status)

	resp, err := adminClient(t).POST("/api/v1/admin/queue/items/"+item.ID+"/requeue", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var requeued queue.Item
	testutil.DecodeData(t, resp, &requeued)
	assert.Equal(t, queue.StatusPending, requeued.Status)
	assert.Empty(t, requeued.ErrorMessage)
	assert.Nil(t, requeued.NextRetryAt)

	t.Run("requeue pending conflicts", func(t *testing.T) {
		resp, err := adminClient(t).POST("/api/v1/admin/queue/items/"+item.ID+"/requeue", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestRemoveQueueItem(t *testing.T) {
	item := scheduleNotification(t, newUserID("removal"))

	resp, err := adminClient(t).DELETE("/api/v1/admin/queue/items/" + item.ID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	getResp, err := adminClient(t).GET("/api/v1/admin/queue/items/" + item.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestStuckItemsEmpty(t *testing.T) {
	// Inline attempts finish synchronously, so nothing in this suite ever
	// lingers in processing.
	resp, err := adminClient(t).GET("/api/v1/admin/queue/stuck")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var items []queue.Item
	testutil.DecodeData(t, resp, &items)
	assert.Empty(t, items)

	recoverResp, err := adminClient(t).POST("/api/v1/admin/queue/stuck/recover", nil)
	require.NoError(t, err)
	defer recoverResp.Body.Close()
	require.Equal(t, http.StatusOK, recoverResp.StatusCode)

	var recovered struct {
		Recovered int64 `json:"recovered"`
	}
	testutil.DecodeData(t, recoverResp, &recovered)
	assert.Zero(t, recovered.Recovered)
}

func TestQueueCleanup(t *testing.T) {
	resp, err := adminClient(t).POST("/api/v1/admin/queue/cleanup", map[string]any{
		"retention_hours": 1,
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Removed int64 `json:"removed"`
	}
	testutil.DecodeData(t, resp, &result)
	// Everything this suite created is younger than the retention window.
	assert.Zero(t, result.Removed)
}
