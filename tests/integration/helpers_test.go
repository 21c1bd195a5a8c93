//go:build integration

package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/testutil"
)

// newTestClient creates an unauthenticated client that validates every
// response against the OpenAPI contract.
func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	c := testutil.NewClientWithValidator(testServer.URL, apiValidator)
	c.SetT(t)
	return c
}

// issueToken mints a token directly with the shared signing secret.
func issueToken(t *testing.T, userID string, role domain.Role) string {
	t.Helper()
	token, err := testTokens.Issue(userID, role)
	require.NoError(t, err)
	return token
}

func adminClient(t *testing.T) *testutil.Client {
	t.Helper()
	return newTestClient(t).WithToken(issueToken(t, "admin", domain.RoleAdmin))
}

func userClient(t *testing.T, userID string) *testutil.Client {
	t.Helper()
	return newTestClient(t).WithToken(issueToken(t, userID, domain.RoleUser))
}

// newUserID returns a user id unique to this test run, so tests never see
// each other's notifications.
func newUserID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// sendNotification posts a send request and returns the accepted record.
// The response is decoded after the inline delivery attempt, so its status
// is final for immediate sends.
func sendNotification(t *testing.T, c *testutil.Client, payload map[string]any) domain.Notification {
	t.Helper()

	resp, err := c.POST("/api/v1/notifications", payload)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var n domain.Notification
	testutil.DecodeData(t, resp, &n)
	require.NotEmpty(t, n.ID)
	return n
}

func getNotification(t *testing.T, c *testutil.Client, id string) domain.Notification {
	t.Helper()

	resp, err := c.GET("/api/v1/notifications/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var n domain.Notification
	testutil.DecodeData(t, resp, &n)
	return n
}

// wsEvent is the frame shape sessions receive.
type wsEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// dialWS opens a websocket session authenticated by the query token. The
// connection is closed automatically when the test finishes.
func dialWS(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readEvent reads the next data frame, failing the test if none arrives
// within the deadline.
func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// waitForEvent reads frames until one matches the wanted event, skipping
// unrelated traffic such as concurrent broadcasts.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) wsEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev wsEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %q event", event)
		if ev.Event == event {
			return ev
		}
	}
}
