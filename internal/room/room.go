// Package room owns live project rooms: which sessions are joined to which
// project, per-room broadcast ordering, and room lifecycle.
package room

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabforge/collab-backend/internal/log"
)

// User identifies a message sender inside a room.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is one live connection's membership in a room. It is created on
// join and destroyed on leave; it is never persisted.
type Session struct {
	ID        string
	User      User
	ProjectID string
	JoinedAt  time.Time

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// Output is the channel the connection's write pump drains. It is closed
// when the session leaves its room or is dropped for falling behind.
func (s *Session) Output() <-chan []byte {
	return s.send
}

// Deliver enqueues data without blocking. Returns false if the session is
// closed or its buffer is full.
func (s *Session) Deliver(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	s.mu.Unlock()
}

// Room is the set of sessions currently joined to one project.
type Room struct {
	projectID string

	mu       sync.Mutex
	sessions map[string]*Session
	nextSeq  uint64
}

func newRoom(projectID string) *Room {
	return &Room{
		projectID: projectID,
		sessions:  make(map[string]*Session),
	}
}

// ProjectID returns the project this room belongs to.
func (r *Room) ProjectID() string {
	return r.projectID
}

// Broadcast assigns the next sequence number, builds the event with it and
// delivers it to every live session in FIFO order. Sessions that cannot
// keep up are dropped so one slow connection never blocks the room.
func (r *Room) Broadcast(build func(seq uint64) []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	data := build(r.nextSeq)

	for id, session := range r.sessions {
		if !session.Deliver(data) {
			log.Warn().
				Str("project", r.projectID).
				Str("session", id).
				Str("user", session.User.ID).
				Msg("dropping session: send buffer full")
			session.close()
			delete(r.sessions, id)
		}
	}
}

// SessionCount returns the number of live sessions in the room.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Room) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// remove detaches a session and reports whether the room is now empty.
// No-op (but still reports emptiness) if the session already left.
func (r *Room) remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		delete(r.sessions, s.ID)
		s.close()
	}
	return len(r.sessions) == 0
}

// Registry owns room lifecycle: rooms are created on first join and
// garbage-collected when the last session leaves.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

// Join creates a session for the user and adds it to the project's room,
// creating the room if this is the first join.
func (g *Registry) Join(projectID string, user User) (*Session, *Room) {
	session := &Session{
		ID:        uuid.New().String(),
		User:      user,
		ProjectID: projectID,
		JoinedAt:  time.Now(),
		send:      make(chan []byte, 256),
	}

	// Add under the registry lock so a concurrent Leave cannot reap the
	// room between lookup and add.
	g.mu.Lock()
	r, ok := g.rooms[projectID]
	if !ok {
		r = newRoom(projectID)
		g.rooms[projectID] = r
	}
	r.add(session)
	g.mu.Unlock()

	return session, r
}

// Leave removes the session from its room and reaps the room if it became
// empty. Safe to call more than once; only the first call has effect.
func (g *Registry) Leave(session *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[session.ProjectID]
	if !ok {
		return
	}
	if r.remove(session) {
		delete(g.rooms, session.ProjectID)
	}
}

// Get returns the live room for a project, or nil if nobody is joined.
func (g *Registry) Get(projectID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[projectID]
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}
