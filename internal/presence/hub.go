package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MessagePresence carries the current roster of a room.
	MessagePresence = "presence"
	// MessageGoodbye tells a client the server is about to close its connection.
	MessageGoodbye = "goodbye"

	// DefaultHousekeepingInterval is how often a room rebroadcasts its
	// roster, surfacing passive lease expirations.
	DefaultHousekeepingInterval = 30 * time.Second

	memberBufferSize = 16
)

// Message is one server-to-client presence event.
type Message struct {
	Type    string   `json:"type"`
	Editors []Editor `json:"editors,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// RosterFunc computes the current roster for a room.
type RosterFunc func(ctx context.Context, page, branch string) ([]Editor, error)

// HubConfig describes the dependencies of the room registry.
type HubConfig struct {
	Roster   RosterFunc
	Interval time.Duration
	Logger   *zap.Logger
}

// Hub tracks which realtime connections are watching each page+branch and
// fans presence messages out to them. Rooms are process-local. Each
// non-empty room runs one housekeeping goroutine that periodically
// rebroadcasts the roster; it stops when the room empties.
type Hub struct {
	roster   RosterFunc
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	rooms   map[string]*room
	nextID  int64
	stopped bool
}

type room struct {
	page    string
	branch  string
	members map[int64]*Member
	stop    chan struct{}
}

// Member is one connection's membership in a room.
type Member struct {
	id     int64
	stream chan Message
}

// Stream returns the member's ordered message feed. It is closed when the
// member leaves or the hub shuts down.
func (m *Member) Stream() <-chan Message {
	return m.stream
}

// NewHub constructs the room registry.
func NewHub(cfg HubConfig) *Hub {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHousekeepingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		roster:   cfg.Roster,
		interval: interval,
		logger:   logger,
		rooms:    make(map[string]*room),
	}
}

func roomKey(page, branch string) string {
	return page + "|" + branch
}

// Join adds a connection to a room, starting the room and its housekeeping
// goroutine if this is the first member. The returned leave function is
// idempotent.
func (h *Hub) Join(page, branch string) (*Member, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		member := &Member{stream: make(chan Message)}
		close(member.stream)
		return member, func() {}
	}

	key := roomKey(page, branch)
	current, ok := h.rooms[key]
	if !ok {
		current = &room{
			page:    page,
			branch:  branch,
			members: make(map[int64]*Member),
			stop:    make(chan struct{}),
		}
		h.rooms[key] = current
		go h.housekeep(current)
	}

	h.nextID++
	member := &Member{
		id:     h.nextID,
		stream: make(chan Message, memberBufferSize),
	}
	current.members[member.id] = member

	var once sync.Once
	leave := func() {
		once.Do(func() {
			h.leave(key, member.id)
		})
	}
	return member, leave
}

func (h *Hub) leave(key string, memberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.rooms[key]
	if !ok {
		return
	}
	member, ok := current.members[memberID]
	if !ok {
		return
	}
	delete(current.members, memberID)
	close(member.stream)
	if len(current.members) == 0 {
		close(current.stop)
		delete(h.rooms, key)
	}
}

// Broadcast delivers one message to every member of a room. Sends never
// block: a member whose buffer is full misses the message and will catch up
// on the next roster push. Sends happen under the lock, which is what makes
// closing member streams in leave and Shutdown safe.
func (h *Hub) Broadcast(page, branch string, message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.rooms[roomKey(page, branch)]
	if !ok {
		return
	}
	for _, member := range current.members {
		select {
		case member.stream <- message:
		default:
		}
	}
}

// BroadcastRoster recomputes a room's roster and pushes it to every member.
func (h *Hub) BroadcastRoster(ctx context.Context, page, branch string) {
	if h.roster == nil {
		return
	}
	editors, err := h.roster(ctx, page, branch)
	if err != nil {
		h.logger.Warn("roster broadcast skipped",
			zap.String("page", page),
			zap.String("branch", branch),
			zap.Error(err))
		return
	}
	h.Broadcast(page, branch, Message{Type: MessagePresence, Editors: editors})
}

// housekeep rebroadcasts the roster on a fixed interval until the room
// empties. This is the only path that surfaces leases that expired without
// their owner releasing.
func (h *Hub) housekeep(current *room) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-current.stop:
			return
		case <-ticker.C:
			h.BroadcastRoster(context.Background(), current.page, current.branch)
		}
	}
}

// RoomCount reports how many rooms currently have members.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown closes every room and member stream. Join becomes a no-op.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	for key, current := range h.rooms {
		for _, member := range current.members {
			close(member.stream)
		}
		close(current.stop)
		delete(h.rooms, key)
	}
}
