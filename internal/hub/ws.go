package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read side
	// gives up; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024
	sendBufferSize = 64
)

// Transport send errors.
var (
	ErrSendBufferFull    = errors.New("connection send buffer full")
	ErrTransportClosed   = errors.New("transport closed")
)

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. All data frames are written by a single write pump; Send only
// enqueues, so the hub never blocks on a slow socket.
type wsTransport struct {
	conn *websocket.Conn
	send chan *Message
	done chan struct{}
	once sync.Once
}

var _ Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{
		conn: conn,
		send: make(chan *Message, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (t *wsTransport) Send(msg *Message) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	case t.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Ping writes a control frame directly; gorilla allows concurrent control
// writes alongside the write pump.
func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// writePump serializes all outbound frames for one connection and keeps the
// socket alive with periodic pings. It exits on the first write error,
// closing the socket so the read side unregisters the connection.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.Close()
	}()

	for {
		select {
		case <-t.done:
			return
		case msg := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
