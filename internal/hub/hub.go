package hub

import (
	"sync"

	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/rs/zerolog"
)

// StaffTopic is joined by every staff connection.
const StaffTopic = "staff-broadcast"

func RoomTopic(roomId string) string {
	return "room:" + roomId
}

// Subscriber is a connection as seen by the hub.
type Subscriber interface {
	ID() string
	// Deliver queues ev and reports false when the subscriber's queue is
	// full. It must never block: the hub calls it with topic locks held.
	Deliver(ev Event) bool
	// Evict closes the subscriber for falling behind.
	Evict()
}

type topic struct {
	// mu serializes subscribe, unsubscribe and publish for the topic, which
	// is what gives subscribers a single publish order.
	mu   sync.Mutex
	subs map[string]Subscriber
	// dead is set once the topic has been dropped from the hub; holders of a
	// stale pointer must look it up again.
	dead bool
}

// Hub is an in-process pub/sub keyed by topic name. Delivery never blocks a
// publisher: a subscriber that cannot keep up is evicted.
type Hub struct {
	log   zerolog.Logger
	stats stats.StatsProvider

	mu     sync.Mutex
	topics map[string]*topic
}

func NewHub(log zerolog.Logger, stats stats.StatsProvider) *Hub {
	return &Hub{
		log:    log.With().Str("component", "hub").Logger(),
		stats:  stats,
		topics: make(map[string]*topic),
	}
}

// acquire returns the locked topic for name, creating it when create is set.
// It returns nil when the topic does not exist and create is false.
func (h *Hub) acquire(name string, create bool) *topic {
	for {
		h.mu.Lock()
		t, ok := h.topics[name]
		if !ok {
			if !create {
				h.mu.Unlock()
				return nil
			}
			t = &topic{subs: make(map[string]Subscriber)}
			h.topics[name] = t
		}
		h.mu.Unlock()

		t.mu.Lock()
		if !t.dead {
			return t
		}
		t.mu.Unlock()
	}
}

// release unlocks t, dropping it from the hub when it has no subscribers.
func (h *Hub) release(name string, t *topic) {
	if len(t.subs) == 0 {
		h.mu.Lock()
		if h.topics[name] == t {
			delete(h.topics, name)
		}
		h.mu.Unlock()
		t.dead = true
	}
	t.mu.Unlock()
}

func (h *Hub) Subscribe(name string, sub Subscriber) {
	t := h.acquire(name, true)
	t.subs[sub.ID()] = sub
	t.mu.Unlock()
}

// Unsubscribe reports whether sub was subscribed to the topic.
func (h *Hub) Unsubscribe(name string, sub Subscriber) bool {
	t := h.acquire(name, false)
	if t == nil {
		return false
	}

	_, ok := t.subs[sub.ID()]
	delete(t.subs, sub.ID())
	h.release(name, t)
	return ok
}

// UnsubscribeAll removes sub from every topic.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.mu.Lock()
	names := make([]string, 0, len(h.topics))
	for name := range h.topics {
		names = append(names, name)
	}
	h.mu.Unlock()

	for _, name := range names {
		h.Unsubscribe(name, sub)
	}
}

func (h *Hub) IsSubscribed(name string, sub Subscriber) bool {
	t := h.acquire(name, false)
	if t == nil {
		return false
	}
	defer t.mu.Unlock()

	_, ok := t.subs[sub.ID()]
	return ok
}

// Subscribers returns the number of subscribers on a topic.
func (h *Hub) Subscribers(name string) int {
	t := h.acquire(name, false)
	if t == nil {
		return 0
	}
	defer t.mu.Unlock()

	return len(t.subs)
}

// Publish delivers ev to every subscriber of the topic except the given one,
// which may be nil.
func (h *Hub) Publish(name string, ev Event, except Subscriber) {
	h.publish([]string{name}, ev, except)
}

// PublishRoom delivers a room event to the room's subscribers and the staff
// broadcast. A staff connection that watches the room gets it once.
func (h *Hub) PublishRoom(roomId string, ev Event) {
	h.publish([]string{RoomTopic(roomId), StaffTopic}, ev, nil)
}

// publish holds the locks of every target topic for the whole delivery, so
// two publishes that share a topic reach its subscribers in the same order.
// Topics are always locked in the order given, and every caller passes the
// room topic before StaffTopic.
func (h *Hub) publish(names []string, ev Event, except Subscriber) {
	locked := make([]*topic, 0, len(names))
	lockedNames := make([]string, 0, len(names))
	for _, name := range names {
		if t := h.acquire(name, false); t != nil {
			locked = append(locked, t)
			lockedNames = append(lockedNames, name)
		}
	}

	seen := make(map[string]struct{})
	var evicted []Subscriber
	for _, t := range locked {
		for id, sub := range t.subs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if except != nil && id == except.ID() {
				continue
			}
			if !sub.Deliver(ev) {
				evicted = append(evicted, sub)
			}
		}
	}

	// Drop evicted subscribers before releasing so no later publish on these
	// topics can reach them.
	for _, sub := range evicted {
		for _, t := range locked {
			delete(t.subs, sub.ID())
		}
	}
	for i := len(locked) - 1; i >= 0; i-- {
		h.release(lockedNames[i], locked[i])
	}

	for _, sub := range evicted {
		h.log.Warn().
			Str("subscriber", sub.ID()).
			Str("event", string(ev.Type)).
			Str("room_id", ev.RoomId).
			Msg("evicting slow subscriber")
		h.stats.Incr(stats.BackpressureEvictions)
		h.UnsubscribeAll(sub)
		sub.Evict()
	}
}
