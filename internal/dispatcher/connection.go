package dispatcher

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// workerConn wraps one instance's control-channel websocket. gorilla's Conn
// permits one concurrent reader and one concurrent writer; writeMu
// serializes the writer side since both the assignment goroutine and the
// dispatcher's ping ticker can write.
type workerConn struct {
	instanceID string
	conn       *websocket.Conn
	onHeartbeat func(instanceID string)

	writeMu sync.Mutex
	inbox   chan workerMessage

	mu              sync.Mutex
	lastHeartbeatAt time.Time
	closed          bool
}

func newWorkerConn(instanceID string, conn *websocket.Conn, onHeartbeat func(instanceID string)) *workerConn {
	return &workerConn{
		instanceID:      instanceID,
		conn:            conn,
		onHeartbeat:     onHeartbeat,
		inbox:           make(chan workerMessage, 32),
		lastHeartbeatAt: time.Now(),
	}
}

// send writes a server message, serializing concurrent writers.
func (c *workerConn) send(msg serverMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// readLoop decodes inbound worker messages until the connection closes,
// pushing each onto inbox. Runs on its own goroutine per connection.
func (c *workerConn) readLoop() {
	defer c.markClosed()
	for {
		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			return
		}
		var msg workerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == workerMsgHeartbeat {
			c.touchHeartbeat()
		}
		select {
		case c.inbox <- msg:
		default:
			// Slow assignment goroutine; drop rather than block the reader
			// and stall heartbeat detection for every other assignment on
			// this instance.
		}
	}
}

func (c *workerConn) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeatAt = time.Now()
	c.mu.Unlock()
	if c.onHeartbeat != nil {
		c.onHeartbeat(c.instanceID)
	}
}

func (c *workerConn) heartbeatAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeatAt)
}

func (c *workerConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.inbox)
}

func (c *workerConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *workerConn) close() {
	c.conn.Close()
}
