package inmemory

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/couchsync/server/internal/repository/connection"
)

type participant struct {
	participantId string
	roomId        string
}

type repo struct {
	byConn map[*websocket.Conn]participant
	byId   map[string]*websocket.Conn
	limit  int
	mu     sync.RWMutex
}

// NewRepo creates a registry of local UI connections. limit caps the number
// of participants per room (two for a watch-together pair).
func NewRepo(limit int) *repo {
	return &repo{
		byConn: make(map[*websocket.Conn]participant),
		byId:   make(map[string]*websocket.Conn),
		limit:  limit,
	}
}

func (r *repo) Add(conn *websocket.Conn, participantId, roomId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[conn]; ok {
		return connection.ErrAlreadyExists
	}
	if _, ok := r.byId[participantId]; ok {
		return connection.ErrAlreadyExists
	}

	count := 0
	for _, p := range r.byConn {
		if p.roomId == roomId {
			count++
		}
	}
	if count >= r.limit {
		return connection.ErrRoomFull
	}

	r.byConn[conn] = participant{participantId: participantId, roomId: roomId}
	r.byId[participantId] = conn

	return nil
}

func (r *repo) RemoveByConn(conn *websocket.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byConn[conn]
	if !ok {
		return connection.ErrNotFound
	}

	delete(r.byConn, conn)
	delete(r.byId, p.participantId)

	return nil
}

func (r *repo) GetConn(participantId string) (*websocket.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byId[participantId]
	if !ok {
		return nil, connection.ErrNotFound
	}

	return conn, nil
}

func (r *repo) GetParticipantId(conn *websocket.Conn) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byConn[conn]
	if !ok {
		return "", connection.ErrNotFound
	}

	return p.participantId, nil
}
