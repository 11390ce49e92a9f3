package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one websocket member. A connection may join many topics.
type Connection struct {
	ID     string
	UserID string
	Writer Writer
}

type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{topics: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Join(topic string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Connection]struct{})
	}
	h.topics[topic][conn] = struct{}{}
}

func (h *Hub) Leave(topic string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(topic, conn)
}

func (h *Hub) leaveLocked(topic string, conn *Connection) {
	set := h.topics[topic]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.topics, topic)
	}
}

// LeaveAll removes conn from every topic it joined.
func (h *Hub) LeaveAll(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.topics {
		h.leaveLocked(topic, conn)
	}
}

func (h *Hub) Members(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Broadcast writes message to every member of topic except the given
// connection and returns how many writes succeeded. Members whose write fails
// are closed and removed.
func (h *Hub) Broadcast(topic string, message []byte, except *Connection) int {
	h.mu.RLock()
	set := h.topics[topic]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		if c == except {
			continue
		}
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.LeaveAll(c)
	}
	return delivered
}
