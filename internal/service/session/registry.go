// Package session tracks live voice connections and the session id each one
// was assigned.
package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
)

// ErrSessionNotFound is returned by Lookup for unknown connections.
var ErrSessionNotFound = errors.New("session not found")

// Conn is the write side of a client connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type entry struct {
	session conversation.Session
	conn    Conn
	// writeMu 保证同一连接同时只有一个写者
	writeMu sync.Mutex
}

// Registry 管理所有活跃连接与 session id 的双向映射
type Registry struct {
	mu           sync.RWMutex
	byConn       map[Conn]*entry
	bySession    map[string]*entry
	writeTimeout time.Duration
	newID        func() string
}

// NewRegistry creates an empty registry. writeTimeout bounds each frame
// write when the connection supports deadlines; zero disables it.
func NewRegistry(writeTimeout time.Duration) *Registry {
	return &Registry{
		byConn:       make(map[Conn]*entry),
		bySession:    make(map[string]*entry),
		writeTimeout: writeTimeout,
		newID:        uuid.NewString,
	}
}

// Register 为新连接分配 session id
func (r *Registry) Register(conn Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byConn[conn]; ok {
		return existing.session.ID
	}

	id := r.newID()
	for r.bySession[id] != nil {
		id = r.newID()
	}

	e := &entry{
		session: conversation.Session{ID: id, CreatedAt: time.Now().UTC()},
		conn:    conn,
	}
	r.byConn[conn] = e
	r.bySession[id] = e

	log.Printf("[registry] client connected session=%s total=%d", id, len(r.byConn))
	return id
}

// Unregister 移除连接；重复调用无副作用
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(r.byConn, conn)
	delete(r.bySession, e.session.ID)

	log.Printf("[registry] client disconnected session=%s total=%d", e.session.ID, len(r.byConn))
}

// Lookup returns the session id owned by conn.
func (r *Registry) Lookup(conn Conn) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byConn[conn]
	if !ok {
		return "", ErrSessionNotFound
	}
	return e.session.ID, nil
}

// Session returns the live session for id.
func (r *Registry) Session(id string) (conversation.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.bySession[id]
	if !ok {
		return conversation.Session{}, false
	}
	return e.session, true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Send writes payload as a text frame to the connection owning sessionID.
// A session that has already disconnected, or a failed write, is logged and
// dropped.
func (r *Registry) Send(sessionID string, payload []byte) {
	r.mu.RLock()
	e, ok := r.bySession[sessionID]
	r.mu.RUnlock()
	if !ok {
		log.Printf("[registry] drop frame for vanished session=%s bytes=%d", sessionID, len(payload))
		return
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if d, ok := e.conn.(writeDeadliner); ok && r.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	}
	if err := e.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("[registry] write failed session=%s: %v", sessionID, err)
	}
}
