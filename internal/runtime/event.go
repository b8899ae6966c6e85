package runtime

import "sync"

// Event is a typed message published on the EventBus. Kind identifies the
// event (e.g. "stream.state_changed", "transcoder.died"); Source is
// the publishing component; Payload is event-specific data the subscriber
// is expected to type-assert.
type Event struct {
	Kind    string
	Source  string
	Payload interface{}
}

// Handler receives events a subscriber asked for.
type Handler func(Event)

// EventBus is a typed pub/sub used for inter-component signaling: the
// Stream State Machine actors, the Transcoder Supervisor and the SFU
// Control Client publish lifecycle facts; the Stream Orchestrator and the
// Consumer Registry subscribe to the kinds they react to.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]Handler)}
}

// Subscribe registers handler for events of the given kind. Returns an
// unsubscribe function.
func (b *EventBus) Subscribe(kind string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], handler)
	idx := len(b.subs[kind]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subs[kind]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Publish delivers event synchronously to every subscriber of its Kind.
// Handlers must not block; long work should be handed off.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[event.Kind]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(event)
		}
	}
}
