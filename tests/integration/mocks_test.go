//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// gatewayCall is one payload the fake provider accepted, together with the
// Authorization header it arrived with.
type gatewayCall struct {
	Authorization string

	To      string         `json:"to"`
	UserID  string         `json:"user_id"`
	Channel string         `json:"channel"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data"`
}

// pushGateway fakes the provider webhook behind the push channel. It
// records every payload and answers with a configurable status code so
// tests can drive both the success and the failure path.
type pushGateway struct {
	mu     sync.Mutex
	calls  []gatewayCall
	status int
	srv    *httptest.Server
}

func newPushGateway() *pushGateway {
	g := &pushGateway{status: http.StatusOK}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call gatewayCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		call.Authorization = r.Header.Get("Authorization")

		g.mu.Lock()
		g.calls = append(g.calls, call)
		status := g.status
		g.mu.Unlock()

		w.WriteHeader(status)
	}))
	return g
}

func (g *pushGateway) URL() string { return g.srv.URL }

func (g *pushGateway) Close() { g.srv.Close() }

// Reset clears recorded calls and restores the success response.
func (g *pushGateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
	g.status = http.StatusOK
}

// RespondWith makes the gateway answer subsequent requests with status.
func (g *pushGateway) RespondWith(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

func (g *pushGateway) Calls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gatewayCall, len(g.calls))
	copy(out, g.calls)
	return out
}

// WaitForCalls polls until the gateway has received at least n payloads.
func (g *pushGateway) WaitForCalls(n int, timeout time.Duration) []gatewayCall {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		calls := g.Calls()
		if len(calls) >= n {
			return calls
		}
		time.Sleep(50 * time.Millisecond)
	}
	return g.Calls()
}
