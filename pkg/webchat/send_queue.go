package webchat

import "sync"

// poolClient is the send queue of one connection.
type poolClient struct {
	conn     wsConn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func newPoolClient(conn wsConn, buffer int) *poolClient {
	if buffer < 1 {
		buffer = 1
	}
	return &poolClient{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the queue is full or the client stopped.
func (c *poolClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *poolClient) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// eventQueue buffers frames for one Server-Sent Events subscriber.
type eventQueue struct {
	frames   chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func newEventQueue(buffer int) *eventQueue {
	if buffer < 1 {
		buffer = 1
	}
	return &eventQueue{frames: make(chan []byte, buffer), done: make(chan struct{})}
}

func (q *eventQueue) enqueue(data []byte) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.frames <- data:
		return true
	default:
		return false
	}
}

func (q *eventQueue) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}
