package fleetsync

import "sync"

// Event identifies a notification emitted by the agent. Rendering and UI
// concerns stay entirely outside this package; observers receive plain
// payloads and decide what to show.
type Event string

const (
	// EventOnline fires once per genuine offline-to-online transition.
	EventOnline Event = "online"
	// EventOffline fires once per genuine online-to-offline transition.
	EventOffline Event = "offline"
	// EventSyncStarted fires when a sync pass begins. Payload: nil.
	EventSyncStarted Event = "sync_started"
	// EventSyncCompleted fires when a sync pass finishes, even with
	// per-item errors. Payload: *Report.
	EventSyncCompleted Event = "sync_completed"
	// EventSyncFailed fires when a whole pass fails (store unavailable or
	// endpoint unreachable through all retries). Payload: error.
	EventSyncFailed Event = "sync_failed"
	// EventItemRejected fires when the server permanently rejects a record;
	// the item needs user correction. Payload: ItemError.
	EventItemRejected Event = "item_rejected"
)

// Emitter is a minimal observer registry. Handlers run synchronously on the
// emitting goroutine and must not block.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Event][]func(payload any)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[Event][]func(any))}
}

// On registers a handler for an event.
func (e *Emitter) On(event Event, handler func(payload any)) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

func (e *Emitter) emit(event Event, payload any) {
	e.mu.RLock()
	handlers := e.handlers[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}
