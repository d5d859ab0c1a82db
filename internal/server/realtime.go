package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
)

const defaultRealtimeBufferSize = 16

// RealtimeDispatcher fans push events out to the live connections of each user.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan threads.PushEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBufferSize,
	}
}

// Subscribe registers a connection for userID. The subscription ends when ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan threads.PushEvent, func()) {
	if userID == "" {
		ch := make(chan threads.PushEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan threads.PushEvent, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to every connection of userID. Slow connections drop the event; pushes are hints.
func (d *RealtimeDispatcher) Publish(userID string, event threads.PushEvent) {
	if userID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[userID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// PublishAll delivers event once to every distinct user in userIDs except skip.
func (d *RealtimeDispatcher) PublishAll(userIDs []string, skip string, event threads.PushEvent) {
	delivered := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if userID == skip {
			continue
		}
		if _, seen := delivered[userID]; seen {
			continue
		}
		delivered[userID] = struct{}{}
		d.Publish(userID, event)
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
