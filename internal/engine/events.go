package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbegin/metromatch-go/internal/rhythm"
)

// EventKind identifies scheduler notifications.
type EventKind int

const (
	EventBeat EventKind = iota
	EventDropped
	EventOverrun
	EventStarted
	EventStopped
	EventSinkUnavailable
)

func (k EventKind) String() string {
	switch k {
	case EventBeat:
		return "beat"
	case EventDropped:
		return "dropped"
	case EventOverrun:
		return "overrun"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventSinkUnavailable:
		return "sink-unavailable"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Beat-related fields are set for
// EventBeat, EventDropped and EventOverrun.
type Event struct {
	Kind     EventKind
	Voice    rhythm.Voice
	Index    int
	Accent   bool
	Bar      int
	Tempo    float64       // effective BPM of the beat
	Deadline time.Time     // ideal firing time
	At       time.Time     // wall clock at firing
	Overrun  time.Duration // EventOverrun: how late the beat fired
	Err      error         // EventDropped, EventSinkUnavailable
}

// Hub fans events out to subscribers without ever blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription receives events on C. When C is full the oldest queued event
// is discarded to make room for the newest.
type Subscription struct {
	C       <-chan Event
	c       chan Event
	hub     *Hub
	dropped atomic.Int64
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	c := make(chan Event, buffer)
	s := &Subscription{C: c, c: c, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.c)
	})
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers ev to every subscriber. The scheduler publishes from one
// goroutine at a time, so a queue cannot refill between the eviction and the
// retry below.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.c <- ev:
			continue
		default:
		}
		select {
		case <-s.c:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.c <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}
