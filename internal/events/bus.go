package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event types published by the engine and consumed by the transport layer.
const (
	TypeQuotaUpdate         = "quota_update"
	TypeQuotaAlert          = "quota_alert"
	TypeRateLimitDetected   = "rate_limit_detected"
	TypeRateLimitResolved   = "rate_limit_resolved"
	TypeRateLimitFailed     = "rate_limit_failed"
	TypeAlertAcknowledged   = "alert_acknowledged"
	TypeDesktopNotification = "desktop_notification"
	TypeAudioAlert          = "audio_alert"
	TypeAutoPause           = "auto_pause"
	TypeAutoResume          = "auto_resume"
)

// Event is a typed domain event with a JSON-serializable payload.
type Event struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// defaultSubscriberBuffer bounds each subscriber's pending events.
const defaultSubscriberBuffer = 256

// Bus is an in-process publish/subscribe channel for domain events.
// Publish never blocks: a subscriber that falls behind loses the oldest
// buffered events rather than stalling the usage-update path.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool

	dropped func(eventType string)
}

// NewBus constructs a Bus. dropped, when non-nil, is invoked for every event
// discarded because a subscriber buffer was full.
func NewBus(dropped func(eventType string)) *Bus {
	return &Bus{
		subs:    make(map[int]chan Event),
		dropped: dropped,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, defaultSubscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(eventType string, payload any) {
	if b == nil {
		return
	}
	evt := Event{Type: eventType, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop the oldest to make room; the subscriber is behind.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
				if b.dropped != nil {
					b.dropped(eventType)
				}
				log.WithField("type", eventType).Debug("events: dropped event for slow subscriber")
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
