package server

import "sync"

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// roomLocks serializes store commits and the hub publishes that follow them
// per room, so every subscriber sees a room's events in commit order.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*keyedLock)}
}

// lock acquires the room's lock and returns its release func.
func (l *roomLocks) lock(roomId string) func() {
	l.mu.Lock()
	k, ok := l.locks[roomId]
	if !ok {
		k = &keyedLock{}
		l.locks[roomId] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()

		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, roomId)
		}
		l.mu.Unlock()
	}
}
