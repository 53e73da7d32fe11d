package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/ws"
)

const defaultOutboxSize = 64

// Member is one connection inside a project room. Events addressed to it
// are queued on a bounded outbox and written by the connection's own
// writer goroutine.
type Member struct {
	ID        string // per-connection
	UserID    string
	Email     string
	ProjectID string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewMember creates a member for a validated identity. outbox <= 0 uses
// the default size.
func NewMember(projectID string, id *Identity, outbox int) *Member {
	if outbox <= 0 {
		outbox = defaultOutboxSize
	}
	return &Member{
		ID:        uuid.New().String(),
		UserID:    id.UserID,
		Email:     id.Email,
		ProjectID: projectID,
		out:       make(chan []byte, outbox),
		done:      make(chan struct{}),
	}
}

// Outbox yields encoded events in the order they were enqueued.
func (m *Member) Outbox() <-chan []byte { return m.out }

// Done is closed when the member has been shut down by the registry.
func (m *Member) Done() <-chan struct{} { return m.done }

func (m *Member) shutdown() {
	m.closeOnce.Do(func() { close(m.done) })
}

// enqueue never blocks. A full outbox drops the event.
func (m *Member) enqueue(data []byte) bool {
	select {
	case m.out <- data:
		return true
	default:
		return false
	}
}

type room struct {
	mu      sync.Mutex
	members map[string]*Member
	order   []string // join order, for stable snapshots
	closed  bool
}

// Registry maps project IDs to live rooms. Each room serialises its own
// joins, leaves and broadcasts so every member sees one order.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	metrics *Metrics
	log     *slog.Logger
}

func NewRegistry(metrics *Metrics, l *slog.Logger) *Registry {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{
		rooms:   make(map[string]*room),
		metrics: metrics,
		log:     logger.Or(l),
	}
}

// Join adds m to its project room, creating the room if needed, and
// announces it to the members already present.
func (r *Registry) Join(m *Member) {
	r.mu.Lock()
	rm, ok := r.rooms[m.ProjectID]
	if !ok {
		rm = &room{members: make(map[string]*Member)}
		r.rooms[m.ProjectID] = rm
		r.metrics.rooms.Inc()
	}
	rm.mu.Lock()
	r.mu.Unlock()
	defer rm.mu.Unlock()

	if _, dup := rm.members[m.ID]; dup {
		return
	}
	r.fanoutLocked(rm, encode(ws.Presence{
		Type:      ws.TypeUserConnected,
		UserID:    m.Email,
		Timestamp: time.Now().UTC(),
	}), m)
	rm.members[m.ID] = m
	rm.order = append(rm.order, m.ID)
	r.metrics.members.Inc()
	r.log.Info("room join", "project", m.ProjectID, "user", m.Email, "members", len(rm.members))
}

// Leave removes m from its room and announces the departure. The room is
// discarded when its last member leaves. Leaving twice is a no-op.
func (r *Registry) Leave(m *Member) {
	r.mu.Lock()
	rm, ok := r.rooms[m.ProjectID]
	if !ok {
		r.mu.Unlock()
		m.shutdown()
		return
	}
	rm.mu.Lock()
	_, present := rm.members[m.ID]
	if present {
		delete(rm.members, m.ID)
		for i, id := range rm.order {
			if id == m.ID {
				rm.order = append(rm.order[:i], rm.order[i+1:]...)
				break
			}
		}
		r.metrics.members.Dec()
	}
	if len(rm.members) == 0 {
		rm.closed = true
		delete(r.rooms, m.ProjectID)
		r.metrics.rooms.Dec()
	}
	r.mu.Unlock()

	if present {
		r.fanoutLocked(rm, encode(ws.Presence{
			Type:      ws.TypeUserDisconnected,
			UserID:    m.Email,
			Timestamp: time.Now().UTC(),
		}), nil)
		r.log.Info("room leave", "project", m.ProjectID, "user", m.Email, "members", len(rm.members))
	}
	rm.mu.Unlock()
	m.shutdown()
}

// Broadcast sends event to every member of the room except excluding
// (which may be nil). A missing room is a no-op.
func (r *Registry) Broadcast(projectID string, event any, excluding *Member) {
	data := encode(event)
	if data == nil {
		return
	}
	r.mu.RLock()
	rm := r.rooms[projectID]
	r.mu.RUnlock()
	if rm == nil {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return
	}
	r.fanoutLocked(rm, data, excluding)
}

// Emit sends event to every member of the room, including the sender.
func (r *Registry) Emit(projectID string, event any) {
	r.Broadcast(projectID, event, nil)
}

// Send delivers event to one member only.
func (r *Registry) Send(m *Member, event any) {
	data := encode(event)
	if data == nil {
		return
	}
	if !m.enqueue(data) {
		r.dropped(m)
	}
}

func (r *Registry) fanoutLocked(rm *room, data []byte, excluding *Member) {
	if data == nil {
		return
	}
	for _, id := range rm.order {
		m := rm.members[id]
		if excluding != nil && m.ID == excluding.ID {
			continue
		}
		if !m.enqueue(data) {
			r.dropped(m)
		}
	}
}

func (r *Registry) dropped(m *Member) {
	r.metrics.dropped.Inc()
	r.log.Warn("outbox full, dropping event", "project", m.ProjectID, "user", m.Email)
}

// Members returns the identities in the room in join order.
func (r *Registry) Members(projectID string) []Identity {
	r.mu.RLock()
	rm := r.rooms[projectID]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Identity, 0, len(rm.order))
	for _, id := range rm.order {
		m := rm.members[id]
		out = append(out, Identity{UserID: m.UserID, Email: m.Email})
	}
	return out
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Close sends event (if non-nil) to every member of every room and shuts
// the members down. Writers flush what is queued before exiting.
func (r *Registry) Close(event any) {
	data := encode(event)
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*room)
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		rm.closed = true
		for _, id := range rm.order {
			m := rm.members[id]
			if data != nil {
				m.enqueue(data)
			}
			m.shutdown()
			r.metrics.members.Dec()
		}
		rm.members = map[string]*Member{}
		rm.order = nil
		rm.mu.Unlock()
		r.metrics.rooms.Dec()
	}
}

func encode(event any) []byte {
	if event == nil {
		return nil
	}
	if b, ok := event.([]byte); ok {
		return b
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("encode event", "err", err)
		return nil
	}
	return data
}
