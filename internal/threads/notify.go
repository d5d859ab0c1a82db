package threads

import (
	"sync"
	"time"
)

// Scope names a logical area of store state that subscribers can observe.
type Scope string

const (
	ScopeThreads      Scope = "threads"
	ScopeActiveThread Scope = "active_thread"
	ScopeMessages     Scope = "messages"
	ScopeErrors       Scope = "errors"
)

// Change notifies subscribers that a scope was updated. Subscribers re-read state through the store accessors.
type Change struct {
	Scope     Scope
	ThreadID  string
	Reason    string
	Err       error
	Timestamp time.Time
}

type changeHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
	closed      bool
}

type changeSubscriber struct {
	id     int64
	key    string
	stream chan Change
	once   sync.Once
}

func newChangeHub(bufferSize int) *changeHub {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &changeHub{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  bufferSize,
	}
}

func hubKey(scope Scope, threadID string) string {
	return string(scope) + "/" + threadID
}

// subscribe registers a listener. An empty threadID observes every thread of the scope.
func (h *changeHub) subscribe(scope Scope, threadID string) (<-chan Change, func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		stream := make(chan Change)
		close(stream)
		return stream, func() {}
	}
	h.nextID++
	subscriber := &changeSubscriber{id: h.nextID, key: hubKey(scope, threadID), stream: make(chan Change, h.bufferSize)}
	h.addLocked(subscriber)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removeLocked(subscriber)
		subscriber.once.Do(func() { close(subscriber.stream) })
	}
	return subscriber.stream, cancel
}

// rekey moves per-thread subscriptions of every scope from one thread id to another.
func (h *changeHub) rekey(fromID, toID string) {
	if fromID == "" || toID == "" || fromID == toID {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, scope := range []Scope{ScopeThreads, ScopeActiveThread, ScopeMessages, ScopeErrors} {
		for _, subscriber := range h.subscribers[hubKey(scope, fromID)] {
			h.removeLocked(subscriber)
			subscriber.key = hubKey(scope, toID)
			h.addLocked(subscriber)
		}
	}
}

func (h *changeHub) addLocked(subscriber *changeSubscriber) {
	if _, ok := h.subscribers[subscriber.key]; !ok {
		h.subscribers[subscriber.key] = make(map[int64]*changeSubscriber)
	}
	h.subscribers[subscriber.key][subscriber.id] = subscriber
}

func (h *changeHub) removeLocked(subscriber *changeSubscriber) {
	subscribers := h.subscribers[subscriber.key]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriber.id)
	if len(subscribers) == 0 {
		delete(h.subscribers, subscriber.key)
	}
}

// publish delivers without blocking; a full subscriber buffer drops the change.
func (h *changeHub) publish(change Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	keys := []string{hubKey(change.Scope, "")}
	if change.ThreadID != "" {
		keys = append(keys, hubKey(change.Scope, change.ThreadID))
	}
	for _, key := range keys {
		for _, subscriber := range h.subscribers[key] {
			select {
			case subscriber.stream <- change:
			default:
			}
		}
	}
}

func (h *changeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for key, subscribers := range h.subscribers {
		for _, subscriber := range subscribers {
			subscriber.once.Do(func() { close(subscriber.stream) })
		}
		delete(h.subscribers, key)
	}
}
