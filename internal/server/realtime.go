package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/anchoring"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeTopicAll       = "*"
)

// RealtimeMessage is one lifecycle event delivered to stream subscribers.
type RealtimeMessage struct {
	EventType string
	RecordID  string
	Payload   recordPayload
	Timestamp time.Time
}

// RealtimeDispatcher fans record lifecycle events out to stream subscribers.
// It implements anchoring.EventPublisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for one record id, or for every record when
// recordID is empty. The subscription ends with ctx or the returned cleanup.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, recordID string) (<-chan RealtimeMessage, func()) {
	topic := recordID
	if topic == "" {
		topic = realtimeTopicAll
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(topic, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event without blocking; slow subscribers drop messages.
func (d *RealtimeDispatcher) Publish(event anchoring.Event) {
	if event.Type == "" || event.Record.ID == "" {
		return
	}
	message := RealtimeMessage{
		EventType: event.Type,
		RecordID:  event.Record.ID,
		Payload:   newRecordPayload(event.Record),
		Timestamp: event.Timestamp,
	}

	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers[realtimeTopicAll])+len(d.subscribers[message.RecordID]))
	for _, topic := range []string{realtimeTopicAll, message.RecordID} {
		for _, subscriber := range d.subscribers[topic] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}

func (d *RealtimeDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}
