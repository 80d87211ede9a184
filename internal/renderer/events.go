package renderer

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind classifies a renderer lifecycle event.
type EventKind int

const (
	EventLayoutStart EventKind = iota + 1
	EventLayoutEnd
	EventMediaError
)

func (k EventKind) String() string {
	switch k {
	case EventLayoutStart:
		return "layoutStart"
	case EventLayoutEnd:
		return "layoutEnd"
	case EventMediaError:
		return "mediaError"
	default:
		return "unknown"
	}
}

// Event is one renderer lifecycle notification.
type Event struct {
	Kind     EventKind
	LayoutID string
	RegionID string
	WidgetID string
	Reason   string
}

// EventSubscription is an active subscription to renderer events.
type EventSubscription struct {
	ID      string
	Channel chan Event
}

// EventPublisher fans renderer events out to subscribers with
// non-blocking sends, so a slow consumer never stalls the renderer.
type EventPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*EventSubscription
	bufferSize    int
}

// NewEventPublisher creates a publisher with the given per-subscriber
// channel buffer size.
func NewEventPublisher(bufferSize int) *EventPublisher {
	return &EventPublisher{
		subscriptions: make(map[string]*EventSubscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe registers a new subscription.
func (p *EventPublisher) Subscribe() *EventSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &EventSubscription{
		ID:      uuid.New().String(),
		Channel: make(chan Event, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (p *EventPublisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subscriptions[id]; ok {
		close(sub.Channel)
		delete(p.subscriptions, id)
	}
}

// Publish broadcasts an event to every subscriber. Sends never block:
// a full subscriber channel drops the event (slow-consumer protection).
func (p *EventPublisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subscriptions {
		select {
		case sub.Channel <- ev:
		default:
		}
	}
}
