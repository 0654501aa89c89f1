package server

import (
	"sync"
	"time"

	"github.com/tbxark/echopool/pkg/echopool/common"
)

type connSlot struct {
	conn   *Conn // Live connection
	worker int   // Ordinal of the worker serving it
	since  time.Time
}

// ConnInfo describes a connection currently being served.
type ConnInfo struct {
	ID         string
	Worker     int
	RemoteAddr string
	Since      time.Time
}

// Registry tracks the connections workers are serving so that shutdown can
// close them. It never touches the dispatch queue.
type Registry struct {
	mu     sync.RWMutex         // Protects slots and closed
	slots  map[string]*connSlot // Connection ID to slot
	closed bool                 // Set by CloseAll
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		slots: make(map[string]*connSlot),
	}
}

// Register records conn as served by worker. After CloseAll it returns
// common.ErrShuttingDown and the caller keeps ownership of conn.
func (r *Registry) Register(conn *Conn, worker int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return common.ErrShuttingDown
	}

	r.slots[conn.ID] = &connSlot{
		conn:   conn,
		worker: worker,
		since:  time.Now(),
	}
	return nil
}

// Unregister removes the connection. Unknown IDs are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.slots, id)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Snapshot lists the registered connections.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(r.slots))
	for id, slot := range r.slots {
		infos = append(infos, ConnInfo{
			ID:         id,
			Worker:     slot.worker,
			RemoteAddr: slot.conn.remoteAddr(),
			Since:      slot.since,
		})
	}
	return infos
}

// CloseAll closes every registered connection and refuses further
// registrations. It returns how many connections it closed; calling it
// again closes nothing.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}
	r.closed = true

	// Entries stay until their worker unregisters them.
	for _, slot := range r.slots {
		_ = slot.conn.Close()
	}
	return len(r.slots)
}
