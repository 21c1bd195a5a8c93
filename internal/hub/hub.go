// Package hub implements the live fanout registry: which users are reachable
// over which connections, group membership, presence, and routing of
// payloads to exactly the right live sessions. The registry is in-memory by
// design; durability belongs to the queue.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Transport is one live outbound session. Implementations must be safe for
// concurrent use; the hub calls Send outside its own lock.
type Transport interface {
	Send(msg *Message) error
	Ping() error
	Close() error
}

// Connection ties a transport session to its owning user.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	transport Transport
	lastSeen  time.Time // guarded by the hub mutex
}

// Hub holds four coupled indexes (user->connections, connection->user,
// group->users, user->groups) plus presence, all guarded by one RWMutex.
// Every multi-index update happens as one atomic unit under the write lock;
// transport sends happen on a snapshot taken under the read lock so slow
// sockets never block registry mutation.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connection id -> connection (the connection->user index)
	userConns   map[string]map[string]*Connection // user id -> connection id -> connection
	groupUsers  map[string]map[string]struct{}    // group -> member user ids
	userGroups  map[string]map[string]struct{}    // user id -> group names
	presence    map[string]string                 // user id -> last written status
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		userConns:   make(map[string]map[string]*Connection),
		groupUsers:  make(map[string]map[string]struct{}),
		userGroups:  make(map[string]map[string]struct{}),
		presence:    make(map[string]string),
	}
}

// Register adds a live connection for a user. Registering an id that is
// already present replaces the old session. The user's first connection
// makes the user online.
func (h *Hub) Register(connID, userID string, transport Transport) *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[connID]; ok {
		h.unregisterLocked(connID)
	}

	now := time.Now()
	conn := &Connection{
		ID:          connID,
		UserID:      userID,
		ConnectedAt: now,
		transport:   transport,
		lastSeen:    now,
	}
	h.connections[connID] = conn
	if h.userConns[userID] == nil {
		h.userConns[userID] = make(map[string]*Connection)
	}
	h.userConns[userID][connID] = conn

	recordConnectionOpened()
	h.exportGaugesLocked()
	slog.Debug("connection registered", "connection_id", connID, "user_id", userID)
	return conn
}

// Unregister removes a connection and every index entry that refers to it.
// Unknown connection ids are a no-op.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(connID)
}

func (h *Hub) unregisterLocked(connID string) {
	conn, ok := h.connections[connID]
	if !ok {
		return
	}
	delete(h.connections, connID)
	if conns := h.userConns[conn.UserID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.userConns, conn.UserID)
		}
	}
	recordConnectionClosed()
	h.exportGaugesLocked()
	slog.Debug("connection unregistered", "connection_id", connID, "user_id", conn.UserID)
}

// Touch refreshes a connection's liveness, typically from a transport pong.
func (h *Hub) Touch(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.connections[connID]; ok {
		conn.lastSeen = time.Now()
	}
}

// SendToUser delivers the payload to every live connection of one user and
// returns the number of connections reached. Zero recipients is success: an
// offline user is simply not reachable live.
func (h *Hub) SendToUser(userID string, msg *Message) int {
	h.mu.RLock()
	targets := h.userSnapshotLocked(userID)
	h.mu.RUnlock()

	return h.deliver(targets, msg, "user")
}

// SendToUsers delivers to every listed user, counting reached connections.
// Duplicate user ids are sent once.
func (h *Hub) SendToUsers(userIDs []string, msg *Message) int {
	h.mu.RLock()
	seen := make(map[string]struct{}, len(userIDs))
	targets := make([]*Connection, 0)
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		targets = append(targets, h.userSnapshotLocked(userID)...)
	}
	h.mu.RUnlock()

	return h.deliver(targets, msg, "users")
}

// SendToAll delivers to every live connection.
func (h *Hub) SendToAll(msg *Message) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return h.deliver(targets, msg, "all")
}

// SendToGroup delivers to every connection of every group member. A missing
// or empty group reaches zero connections without error.
func (h *Hub) SendToGroup(group string, msg *Message) int {
	h.mu.RLock()
	targets := make([]*Connection, 0)
	for userID := range h.groupUsers[group] {
		targets = append(targets, h.userSnapshotLocked(userID)...)
	}
	h.mu.RUnlock()

	return h.deliver(targets, msg, "group")
}

// userSnapshotLocked collects a user's connections. Callers hold the lock.
func (h *Hub) userSnapshotLocked(userID string) []*Connection {
	conns := h.userConns[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// deliver pushes the payload to each connection outside the registry lock.
// Failed sends are counted and left for the transport's disconnect path to
// clean up.
func (h *Hub) deliver(targets []*Connection, msg *Message, kind string) int {
	sent := 0
	for _, conn := range targets {
		if err := conn.transport.Send(msg); err != nil {
			recordSendError()
			slog.Debug("send to connection failed",
				"connection_id", conn.ID,
				"user_id", conn.UserID,
				"event", msg.Event,
				"error", err,
			)
			continue
		}
		sent++
	}
	if sent > 0 {
		recordMessagesSent(kind, sent)
	}
	return sent
}

// CreateGroup creates (or extends) a group with the given members.
func (h *Hub) CreateGroup(group string, userIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.groupUsers[group] == nil {
		h.groupUsers[group] = make(map[string]struct{})
	}
	for _, userID := range userIDs {
		h.addToGroupLocked(group, userID)
	}
	h.exportGaugesLocked()
}

// AddToGroup adds one user to a group, creating the group if needed.
func (h *Hub) AddToGroup(group, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.groupUsers[group] == nil {
		h.groupUsers[group] = make(map[string]struct{})
	}
	h.addToGroupLocked(group, userID)
	h.exportGaugesLocked()
}

func (h *Hub) addToGroupLocked(group, userID string) {
	h.groupUsers[group][userID] = struct{}{}
	if h.userGroups[userID] == nil {
		h.userGroups[userID] = make(map[string]struct{})
	}
	h.userGroups[userID][group] = struct{}{}
}

// RemoveFromGroup removes one user from a group. Both directions of the
// membership are updated in the same critical section.
func (h *Hub) RemoveFromGroup(group, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members := h.groupUsers[group]; members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.groupUsers, group)
		}
	}
	if groups := h.userGroups[userID]; groups != nil {
		delete(groups, group)
		if len(groups) == 0 {
			delete(h.userGroups, userID)
		}
	}
	h.exportGaugesLocked()
}

// DeleteGroup removes a group and its membership from every member's group
// set. Deleting an unknown group is a no-op.
func (h *Hub) DeleteGroup(group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID := range h.groupUsers[group] {
		if groups := h.userGroups[userID]; groups != nil {
			delete(groups, group)
			if len(groups) == 0 {
				delete(h.userGroups, userID)
			}
		}
	}
	delete(h.groupUsers, group)
	h.exportGaugesLocked()
}

// GroupMembers returns the member user ids of a group, sorted.
func (h *Hub) GroupMembers(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.groupUsers[group])
}

// UserGroups returns the groups a user belongs to, sorted.
func (h *Hub) UserGroups(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.userGroups[userID])
}

// Groups returns all group names, sorted.
func (h *Hub) Groups() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.groupUsers)
}

// SetPresence stores a user's presence status, last write wins. Presence is
// independent of connection count: an offline user may still carry a status.
func (h *Hub) SetPresence(userID, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence[userID] = status
}

// Presence returns a user's last written status, empty if never set.
func (h *Hub) Presence(userID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presence[userID]
}

// NotifyRead pushes a read receipt to the user's live sessions.
func (h *Hub) NotifyRead(userID, recordID string, readAt time.Time) int {
	return h.SendToUser(userID, NewReadReceipt(recordID, readAt))
}

// NotifyDelivered pushes a delivery receipt to the user's live sessions.
func (h *Hub) NotifyDelivered(userID, recordID string, deliveredAt time.Time) int {
	return h.SendToUser(userID, NewDeliveredReceipt(recordID, deliveredAt))
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConns[userID]) > 0
}

// OnlineUsers returns the ids of all users with a live connection, sorted.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.userConns)
}

// ConnectionCount returns the total number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// OnlineUserCount returns the number of users with at least one connection.
func (h *Hub) OnlineUserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConns)
}

// UserConnectionCount returns the number of live connections for one user.
func (h *Hub) UserConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConns[userID])
}

// Ping pings a single connection's transport.
func (h *Hub) Ping(connID string) error {
	h.mu.RLock()
	conn, ok := h.connections[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.transport.Ping()
}

// CleanupStale pings connections idle for longer than maxIdle and evicts the
// ones whose transport no longer answers. This is advisory maintenance: the
// normal cleanup path is the transport's own disconnect calling Unregister.
func (h *Hub) CleanupStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	h.mu.RLock()
	idle := make([]*Connection, 0)
	for _, conn := range h.connections {
		if conn.lastSeen.Before(cutoff) {
			idle = append(idle, conn)
		}
	}
	h.mu.RUnlock()

	removed := 0
	for _, conn := range idle {
		if err := conn.transport.Ping(); err == nil {
			h.Touch(conn.ID)
			continue
		}
		_ = conn.transport.Close()
		h.Unregister(conn.ID)
		removed++
	}
	if removed > 0 {
		slog.Info("stale connections cleaned up", "count", removed)
	}
	return removed
}

// Stats summarizes the registry for admin surfaces.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"online_users"`
	Groups      int `json:"groups"`
}

// CurrentStats returns a consistent snapshot of registry counts.
func (h *Hub) CurrentStats() *Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &Stats{
		Connections: len(h.connections),
		OnlineUsers: len(h.userConns),
		Groups:      len(h.groupUsers),
	}
}

func (h *Hub) exportGaugesLocked() {
	setRegistryGauges(len(h.connections), len(h.userConns), len(h.groupUsers))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
