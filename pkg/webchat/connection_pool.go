package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool manages websocket connections for a session.
// Every connection gets its own send queue and writer goroutine, so
// broadcasting never blocks on a slow client.
type ConnectionPool struct {
	sessionID    string
	sendBuffer   int
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[wsConn]*poolClient
}

func NewConnectionPool(sessionID string) *ConnectionPool {
	return &ConnectionPool{
		sessionID:    sessionID,
		sendBuffer:   64,
		writeTimeout: 10 * time.Second,
		clients:      map[wsConn]*poolClient{},
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	c := newPoolClient(conn, cp.sendBuffer)
	cp.mu.Lock()
	if old, ok := cp.clients[conn]; ok {
		old.stop()
	}
	cp.clients[conn] = c
	cp.mu.Unlock()
	go cp.writeLoop(c)
}

// Remove drops conn from the pool and closes it.
func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.dropLocked(conn)
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, c := range cp.clients {
		if !c.enqueue(data) {
			log.Warn().Str("component", "webchat").Str("session_id", cp.sessionID).Msg("ws send queue full, dropping connection")
			cp.dropLocked(conn)
		}
	}
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c, ok := cp.clients[conn]
	if !ok {
		return
	}
	if !c.enqueue(data) {
		log.Warn().Str("component", "webchat").Str("session_id", cp.sessionID).Msg("ws send queue full, dropping connection")
		cp.dropLocked(conn)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.clients {
		cp.dropLocked(conn)
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) dropLocked(conn wsConn) {
	c, ok := cp.clients[conn]
	if !ok {
		return
	}
	delete(cp.clients, conn)
	c.stop()
}

func (cp *ConnectionPool) writeLoop(c *poolClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("component", "webchat").Str("session_id", cp.sessionID).Msg("ws write failed, dropping connection")
				cp.mu.Lock()
				if cp.clients[c.conn] == c {
					cp.dropLocked(c.conn)
				}
				cp.mu.Unlock()
				c.stop()
				return
			}
		}
	}
}
