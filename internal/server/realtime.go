package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
)

const defaultRealtimeBufferSize = 64

// RealtimeMessage is one committed change on its way to subscribers.
type RealtimeMessage struct {
	Change    presence.Change
	Timestamp time.Time
}

// RealtimeDispatcher fans committed changes out to every subscriber. A
// subscriber whose buffer is full misses the message instead of blocking the
// publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	dropped     atomic.Int64
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher(bufferSize int) *RealtimeDispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultRealtimeBufferSize
	}
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the changes, in order, to every current subscriber.
func (d *RealtimeDispatcher) Publish(changes []presence.Change, timestamp time.Time) {
	if len(changes) == 0 {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, change := range changes {
		message := RealtimeMessage{Change: change, Timestamp: timestamp}
		for _, subscriber := range copies {
			select {
			case subscriber.stream <- message:
			default:
				d.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount reports the number of registered subscribers.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (d *RealtimeDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
