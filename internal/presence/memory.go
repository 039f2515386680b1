package presence

import (
	"context"
	"sync"

	"github.com/npezzotti/go-chathub/internal/types"
)

type MemoryTracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]types.Participant
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{rooms: make(map[string]map[string]types.Participant)}
}

func (m *MemoryTracker) Join(ctx context.Context, roomId, connId string, who types.Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.rooms[roomId]
	if !ok {
		conns = make(map[string]types.Participant)
		m.rooms[roomId] = conns
	}
	conns[connId] = who

	return countOf(values(conns), who) == 1, nil
}

func (m *MemoryTracker) Leave(ctx context.Context, roomId, connId string, who types.Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.rooms[roomId]
	delete(conns, connId)
	if len(conns) == 0 {
		delete(m.rooms, roomId)
		return true, nil
	}

	return countOf(values(conns), who) == 0, nil
}

func (m *MemoryTracker) Online(ctx context.Context, roomId string) ([]types.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return distinct(values(m.rooms[roomId])), nil
}

func values(conns map[string]types.Participant) []types.Participant {
	out := make([]types.Participant, 0, len(conns))
	for _, p := range conns {
		out = append(out, p)
	}
	return out
}
