// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (gateway loop, cloud
// session, state watcher) to subscribers (the status server's recent
// events ring). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceGateway identifies events from the forwarding loop.
	SourceGateway = "gateway"
	// SourceDiscovery identifies events from entity discovery.
	SourceDiscovery = "discovery"
	// SourceCloud identifies events from the IoT platform MQTT session.
	SourceCloud = "cloud"
	// SourceStateWatch identifies events from the HA state watcher.
	SourceStateWatch = "statewatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindPushStart signals the beginning of a telemetry push cycle.
	// Data: devices.
	KindPushStart = "push_start"
	// KindPushComplete signals the end of a telemetry push cycle.
	// Data: devices, published, failed, duration_ms.
	KindPushComplete = "push_complete"
	// KindDeviceMatched signals discovery bound entities to a device.
	// Data: device_id, properties.
	KindDeviceMatched = "device_matched"
	// KindPropertyPost signals a property post was published upstream.
	// Data: device_id, message_id, properties.
	KindPropertyPost = "property_post"
	// KindCommandReceived signals a downlink command arrived.
	// Data: command_id, product_key, device_name.
	KindCommandReceived = "command_received"
	// KindCommandHandled signals a downlink command finished.
	// Data: device_id, command_id, ok.
	KindCommandHandled = "command_handled"
	// KindStateReport signals an event-driven switch state report.
	// Data: device_id, entity_id, state.
	KindStateReport = "state_report"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Emit is a convenience wrapper that stamps the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
