package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/hub"
	"github.com/avolkhin/herald/internal/queue"
	"github.com/avolkhin/herald/internal/queue/memory"
)

type captureTransport struct {
	mu       sync.Mutex
	messages []*hub.Message
}

func (t *captureTransport) Send(msg *hub.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
	return nil
}

func (t *captureTransport) Ping() error  { return nil }
func (t *captureTransport) Close() error { return nil }

func (t *captureTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *captureTransport) byEvent(event string) []*hub.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*hub.Message, 0)
	for _, m := range t.messages {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	repo    *fakeRepo
	queue   *queue.Service
	hub     *hub.Hub
	sender  *fakeSender
	service *Service
}

func newHarness(t *testing.T, sender *fakeSender) *harness {
	t.Helper()

	repo := newFakeRepo()
	qs := queue.NewService(memory.NewRepository(), repo, nil, queue.DefaultConfig())
	h := hub.New()

	var executor queue.Executor
	if sender != nil {
		executor = NewDispatcher(repo, nil, sender)
	}

	return &harness{
		repo:    repo,
		queue:   qs,
		hub:     h,
		sender:  sender,
		service: NewService(repo, qs, h, executor),
	}
}

func (h *harness) itemForRecord(t *testing.T, recordID string) *queue.Item {
	t.Helper()
	items, err := h.queue.List(context.Background(), queue.ListFilter{})
	require.NoError(t, err)
	for i := range items {
		if items[i].RecordID == recordID {
			return &items[i]
		}
	}
	t.Fatalf("no queue item for record %s", recordID)
	return nil
}

func TestService_SendDeliversImmediately(t *testing.T) {
	h := newHarness(t, &fakeSender{channel: domain.ChannelInApp, delivered: true})

	n, err := h.service.Send(context.Background(), SendInput{
		UserID:  "u1",
		Channel: domain.ChannelInApp,
		Subject: "Build finished",
		Body:    "All green.",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DeliveryStatusDelivered, n.Status)
	assert.Equal(t, 1, h.sender.callCount())

	item := h.itemForRecord(t, n.ID)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.Equal(t, "api", item.ProcessorID)
}

func TestService_ScheduledSendWaitsForWorker(t *testing.T) {
	h := newHarness(t, &fakeSender{channel: domain.ChannelInApp, delivered: true})

	future := time.Now().Add(time.Hour)
	n, err := h.service.Send(context.Background(), SendInput{
		UserID:      "u1",
		Channel:     domain.ChannelInApp,
		Body:        "later",
		ScheduledAt: &future,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DeliveryStatusPending, n.Status)
	assert.Equal(t, 0, h.sender.callCount())

	item := h.itemForRecord(t, n.ID)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.WithinDuration(t, future, item.ScheduledAt, time.Second)
}

func TestService_FailedFirstAttemptStaysQueued(t *testing.T) {
	sendErr := queue.NewRetryableError(assert.AnError)
	h := newHarness(t, &fakeSender{channel: domain.ChannelInApp, err: sendErr})

	n, err := h.service.Send(context.Background(), SendInput{
		UserID:  "u1",
		Channel: domain.ChannelInApp,
		Body:    "flaky",
	})
	require.NoError(t, err, "a failed first attempt must not surface to the caller")

	assert.Equal(t, domain.DeliveryStatusFailed, n.Status)

	item := h.itemForRecord(t, n.ID)
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.NextRetryAt, "retryable failure must schedule another attempt")
}

func TestService_SendWithoutExecutorJustQueues(t *testing.T) {
	h := newHarness(t, nil)

	n, err := h.service.Send(context.Background(), SendInput{
		UserID:  "u1",
		Channel: domain.ChannelEmail,
		Body:    "queued only",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DeliveryStatusPending, n.Status)
	item := h.itemForRecord(t, n.ID)
	assert.Equal(t, queue.StatusPending, item.Status)
}

func TestService_SendRejectsUnknownChannel(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.service.Send(context.Background(), SendInput{
		UserID:  "u1",
		Channel: "pigeon",
		Body:    "coo",
	})
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestService_SendNormalizesSubject(t *testing.T) {
	h := newHarness(t, nil)

	n, err := h.service.Send(context.Background(), SendInput{
		UserID:  "u1",
		Channel: domain.ChannelInApp,
		Subject: "  Deploy\ncomplete   now  ",
		Body:    "body\n\n",
	})
	require.NoError(t, err)

	assert.Equal(t, "Deploy complete now", n.Subject)
	assert.Equal(t, "body", n.Body)
}

func TestService_SendBulkIsBestEffort(t *testing.T) {
	sender := &fakeSender{channel: domain.ChannelInApp, delivered: true}
	h := newHarness(t, sender)

	accepted, err := h.service.SendBulk(context.Background(), []SendInput{
		{UserID: "u1", Channel: domain.ChannelInApp, Body: "one"},
		{UserID: "u2", Channel: "carrier-pigeon", Body: "two"},
		{UserID: "u3", Channel: domain.ChannelInApp, Body: "three"},
	})
	require.NoError(t, err)
	require.Len(t, accepted, 2)

	// Bulk sends drain through workers, never inline.
	assert.Equal(t, 0, sender.callCount())

	items, err := h.queue.List(context.Background(), queue.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestService_MarkReadPushesReceipt(t *testing.T) {
	h := newHarness(t, nil)
	transport := &captureTransport{}
	h.hub.Register("c1", "u1", transport)

	n := h.repo.seed(t, &domain.Notification{UserID: "u1", Channel: domain.ChannelInApp})

	require.NoError(t, h.service.MarkRead(context.Background(), n.ID, "u1"))

	stored, err := h.repo.GetByID(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusRead, stored.Status)
	assert.NotNil(t, stored.ReadAt)

	receipts := transport.byEvent(hub.EventNotificationRead)
	require.Len(t, receipts, 1)
	assert.Equal(t, n.ID, receipts[0].Data["notification_id"])
}

func TestService_MarkReadRejectsOtherUsers(t *testing.T) {
	h := newHarness(t, nil)
	n := h.repo.seed(t, &domain.Notification{UserID: "u1", Channel: domain.ChannelInApp})

	err := h.service.MarkRead(context.Background(), n.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestService_MarkDeliveredPushesReceipt(t *testing.T) {
	h := newHarness(t, nil)
	transport := &captureTransport{}
	h.hub.Register("c1", "u1", transport)

	n := h.repo.seed(t, &domain.Notification{UserID: "u1", Channel: domain.ChannelInApp})

	require.NoError(t, h.service.MarkDelivered(context.Background(), n.ID, "u1"))

	receipts := transport.byEvent(hub.EventNotificationDelivered)
	require.Len(t, receipts, 1)
	assert.Equal(t, n.ID, receipts[0].Data["notification_id"])
}

func TestService_OnConnectFlushesMissedNotifications(t *testing.T) {
	h := newHarness(t, nil)

	older := h.repo.seed(t, &domain.Notification{
		UserID:    "u1",
		Channel:   domain.ChannelInApp,
		Status:    domain.DeliveryStatusSent,
		Body:      "first",
		CreatedAt: time.Now().Add(-2 * time.Minute),
	})
	newer := h.repo.seed(t, &domain.Notification{
		UserID:    "u1",
		Channel:   domain.ChannelInApp,
		Status:    domain.DeliveryStatusSent,
		Body:      "second",
		CreatedAt: time.Now().Add(-time.Minute),
	})
	// Already delivered and foreign-channel records stay untouched.
	now := time.Now()
	h.repo.seed(t, &domain.Notification{
		UserID: "u1", Channel: domain.ChannelInApp,
		Status: domain.DeliveryStatusDelivered, DeliveredAt: &now,
	})
	h.repo.seed(t, &domain.Notification{
		UserID: "u1", Channel: domain.ChannelEmail,
		Status: domain.DeliveryStatusSent,
	})

	transport := &captureTransport{}
	h.hub.Register("c1", "u1", transport)

	h.service.OnConnect(context.Background(), "u1")

	pushed := transport.byEvent(hub.EventNotification)
	require.Len(t, pushed, 2, "only undelivered in-app records flush")

	for _, id := range []string{older.ID, newer.ID} {
		stored, err := h.repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.DeliveryStatusDelivered, stored.Status, "flushed record %s", id)
		assert.NotNil(t, stored.DeliveredAt)
	}
}

func TestService_OnConnectWithNoConnectionsKeepsRecords(t *testing.T) {
	h := newHarness(t, nil)
	n := h.repo.seed(t, &domain.Notification{
		UserID:  "u1",
		Channel: domain.ChannelInApp,
		Status:  domain.DeliveryStatusSent,
	})

	// No connection registered: the flush sends nothing and keeps state.
	h.service.OnConnect(context.Background(), "u1")

	stored, err := h.repo.GetByID(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusSent, stored.Status)
	assert.Nil(t, stored.DeliveredAt)
}

func TestService_Broadcast(t *testing.T) {
	h := newHarness(t, nil)

	t1 := &captureTransport{}
	t2 := &captureTransport{}
	h.hub.Register("c1", "u1", t1)
	h.hub.Register("c2", "u2", t2)

	t.Run("system reaches everyone", func(t *testing.T) {
		sent, err := h.service.Broadcast(context.Background(), BroadcastInput{
			Kind:    BroadcastSystem,
			Message: "upgrade tonight",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, sent)
		require.Len(t, t1.byEvent(hub.EventBroadcastSystem), 1)
	})

	t.Run("maintenance requires starts_at", func(t *testing.T) {
		_, err := h.service.Broadcast(context.Background(), BroadcastInput{
			Kind:    BroadcastMaintenance,
			Message: "db failover",
		})
		require.Error(t, err)

		startsAt := time.Now().Add(time.Hour)
		sent, err := h.service.Broadcast(context.Background(), BroadcastInput{
			Kind:     BroadcastMaintenance,
			Message:  "db failover",
			StartsAt: &startsAt,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, sent)
	})

	t.Run("emergency carries severity", func(t *testing.T) {
		_, err := h.service.Broadcast(context.Background(), BroadcastInput{
			Kind:    BroadcastEmergency,
			Message: "evacuate region",
		})
		require.NoError(t, err)

		msgs := t2.byEvent(hub.EventBroadcastEmergency)
		require.Len(t, msgs, 1)
		assert.Equal(t, "emergency", msgs[0].Data["severity"])
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		_, err := h.service.Broadcast(context.Background(), BroadcastInput{
			Kind:    "gossip",
			Message: "psst",
		})
		assert.Error(t, err)
	})
}

func TestService_CountUnread(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.seed(t, &domain.Notification{UserID: "u1", Channel: domain.ChannelInApp})
	h.repo.seed(t, &domain.Notification{UserID: "u1", Channel: domain.ChannelInApp})
	read := h.repo.seed(t, &domain.Notification{UserID: "u1", Channel: domain.ChannelInApp})
	h.repo.seed(t, &domain.Notification{UserID: "other", Channel: domain.ChannelInApp})

	_, err := h.repo.MarkRead(context.Background(), read.ID, "u1")
	require.NoError(t, err)

	count, err := h.service.CountUnread(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
